// Package tools describes functions the LLM may call and dispatches calls to
// registered handlers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownFunction is returned when no handler is registered for a call.
var ErrUnknownFunction = errors.New("tools: unknown function")

// FunctionSchema describes one callable function.
type FunctionSchema struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Parameters returns the JSON schema object for the function arguments.
func (s FunctionSchema) Parameters() map[string]any {
	required := s.Required
	if required == nil {
		required = []string{}
	}
	props := s.Properties
	if props == nil {
		props = map[string]any{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ToolsSchema is the set of functions exposed to the LLM.
type ToolsSchema struct {
	StandardTools []FunctionSchema
}

// Names returns the function names in declaration order.
func (t ToolsSchema) Names() []string {
	names := make([]string, 0, len(t.StandardTools))
	for _, s := range t.StandardTools {
		names = append(names, s.Name)
	}
	return names
}

// Lookup finds a function by name.
func (t ToolsSchema) Lookup(name string) (FunctionSchema, bool) {
	for _, s := range t.StandardTools {
		if s.Name == name {
			return s, true
		}
	}
	return FunctionSchema{}, false
}

// ResultCallback delivers a function result back to the caller.
type ResultCallback func(ctx context.Context, result any) error

// FunctionCallParams is passed to a Handler for one invocation.
type FunctionCallParams struct {
	FunctionName   string
	ToolCallID     string
	Arguments      map[string]any
	ResultCallback ResultCallback
}

// StringArg returns the string argument named key, or "" when it is
// missing or not a string.
func (p *FunctionCallParams) StringArg(key string) string {
	if p == nil || p.Arguments == nil {
		return ""
	}
	s, _ := p.Arguments[key].(string)
	return s
}

// Handler executes a function call and reports through params.ResultCallback.
type Handler func(ctx context.Context, params *FunctionCallParams) error

// Registry maps function names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Handler returns the handler for name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the handler registered for params.FunctionName.
func (r *Registry) Invoke(ctx context.Context, params *FunctionCallParams) error {
	h, ok := r.Handler(params.FunctionName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, params.FunctionName)
	}
	return h(ctx, params)
}
