package voice

import (
	"sort"
	"sync"
)

// Registry records which optional providers can be built in this process.
// Every provider is available unless disabled. Names are matched case
// insensitively with surrounding space ignored. A nil Registry reports
// every provider unavailable. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	disabled map[string]bool
}

// NewRegistry creates a registry with the named providers disabled.
func NewRegistry(disabled ...string) *Registry {
	r := &Registry{disabled: make(map[string]bool)}
	for _, k := range disabled {
		r.Disable(k)
	}
	return r
}

// IsAvailable reports whether kind can be built.
func (r *Registry) IsAvailable(kind string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled[normalize(kind)]
}

// Disable marks kind unavailable.
func (r *Registry) Disable(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k := normalize(kind); k != "" {
		r.disabled[k] = true
	}
}

// Enable marks kind available again.
func (r *Registry) Enable(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, normalize(kind))
}

// Disabled returns the disabled kinds, sorted.
func (r *Registry) Disabled() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.disabled))
	for k := range r.disabled {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
