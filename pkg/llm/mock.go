package llm

import (
	"context"
	"sync"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
)

// Mock implements Provider for testing.
type Mock struct {
	// ChatFunc is called when Chat is invoked.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamFunc is called when Stream is invoked. When nil, Stream
	// replays the ChatFunc response as a single chunk.
	StreamFunc func(ctx context.Context, req *ChatRequest) (Stream, error)

	HealthFunc func(ctx context.Context) error
	CloseFunc  func() error

	mu       sync.Mutex
	calls    []MockCall
	requests []*ChatRequest
}

// MockCall records a method invocation.
type MockCall struct {
	Method string
	Time   time.Time
}

// NewMock creates a mock that answers every request with "Mock response".
func NewMock() *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{
				Message:      llmcontext.Assistant("Mock response"),
				FinishReason: "stop",
				Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
		HealthFunc: func(ctx context.Context) error { return nil },
	}
}

// NewScripted creates a mock whose successive Stream calls replay the
// given turns in order. The last turn repeats once the script runs out.
func NewScripted(turns ...[]StreamChunk) *Mock {
	m := &Mock{}
	var mu sync.Mutex
	next := 0
	m.StreamFunc = func(ctx context.Context, req *ChatRequest) (Stream, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(turns) == 0 {
			return nil, WrapError("mock", ErrProviderUnavailable)
		}
		i := next
		if i >= len(turns) {
			i = len(turns) - 1
		}
		next++
		return StreamChunks(turns[i]...), nil
	}
	return m
}

// Chat calls ChatFunc and records the call.
func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.record("Chat", req)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Stream calls StreamFunc and records the call.
func (m *Mock) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	m.record("Stream", req)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	if m.ChatFunc != nil {
		resp, err := m.ChatFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		usage := resp.Usage
		return StreamChunks(
			StreamChunk{Delta: resp.Message.Content},
			StreamChunk{ToolCalls: resp.Message.ToolCalls, FinishReason: resp.FinishReason, Usage: &usage, Done: true},
		), nil
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Health calls HealthFunc and records the call.
func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", nil)
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.record("Close", nil)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) record(method string, req *ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Time: time.Now()})
	if req != nil {
		m.requests = append(m.requests, req)
	}
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Requests returns the chat requests received, oldest first.
func (m *Mock) Requests() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.requests = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, err
		},
		StreamFunc: func(ctx context.Context, req *ChatRequest) (Stream, error) {
			return nil, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

// StreamChunks returns a Stream that yields chunks in order. A final Done
// chunk is appended when the list does not end with one.
func StreamChunks(chunks ...StreamChunk) Stream {
	if n := len(chunks); n == 0 || !chunks[n-1].Done {
		chunks = append(chunks, StreamChunk{Done: true})
	}
	return &sliceStream{chunks: chunks}
}

type sliceStream struct {
	chunks []StreamChunk
	pos    int
	closed bool
}

func (s *sliceStream) Recv() (*StreamChunk, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.pos >= len(s.chunks) {
		return &StreamChunk{Done: true}, nil
	}
	c := s.chunks[s.pos]
	s.pos++
	return &c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

var _ Provider = (*Mock)(nil)
