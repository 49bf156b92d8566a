package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions == nil {
		return ErrClosed
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	s.Version = 1
	s.UpdatedAt = time.Now()
	m.sessions[s.ID] = s.clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	s.UpdatedAt = time.Now()
	m.sessions[s.ID] = s.clone()
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = nil
	return nil
}

func sortNewestFirst(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].StartedAt.Equal(ss[j].StartedAt) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].StartedAt.After(ss[j].StartedAt)
	})
}
