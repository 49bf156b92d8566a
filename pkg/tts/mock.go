package tts

import (
	"context"
	"sync"
	"time"
)

// DefaultMockPerChar is the silence a Mock produces per character.
const DefaultMockPerChar = 20 * time.Millisecond

// Mock is a Provider that speaks silence and remembers every sentence it
// was asked to say, so pipeline tests can check what the bot spoke without
// a synthesis API.
type Mock struct {
	// SampleRate of the generated PCM16. Zero means DefaultSampleRate.
	SampleRate int
	// PerChar is the audio length per character. Zero means DefaultMockPerChar.
	PerChar time.Duration
	// ChunkSize splits streamed audio into reads of this many bytes. Zero
	// returns each sentence in one read.
	ChunkSize int
	// Latency delays the first byte of every request.
	Latency time.Duration
	// Fail returns the error for a sentence that should not be spoken.
	Fail func(text string) error
	// Hold keeps Stream open until the request is cancelled, like a slow
	// provider still synthesizing when the user interrupts.
	Hold bool

	mu        sync.Mutex
	requests  []string
	spoken    []string
	cancelled []string
	healthErr error
	closed    bool
}

// NewMock returns a mock speaking 24 kHz silence.
func NewMock() *Mock { return &Mock{} }

// FailingMock returns a mock whose every request and health check fails with err.
func FailingMock(err error) *Mock {
	return &Mock{Fail: func(string) error { return err }, healthErr: err}
}

func (m *Mock) format() AudioFormat {
	rate := m.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}
	return pcmFormat(rate)
}

func (m *Mock) audioFor(text string) []byte {
	per := m.PerChar
	if per == 0 {
		per = DefaultMockPerChar
	}
	f := m.format()
	n := int(time.Duration(len(text))*per/time.Millisecond) * f.BytesPerSecond() / 1000
	return make([]byte, n)
}

// start records a request and applies Latency and Fail.
func (m *Mock) start(ctx context.Context, text string) error {
	m.mu.Lock()
	m.requests = append(m.requests, text)
	m.mu.Unlock()

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			m.markCancelled(text)
			return ctx.Err()
		}
	}
	if m.Fail != nil {
		if err := m.Fail(text); err != nil {
			return WrapError("mock", err)
		}
	}
	return nil
}

func (m *Mock) markCancelled(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, text)
}

func (m *Mock) markSpoken(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spoken = append(m.spoken, text)
}

// Synthesize returns the whole sentence as silence.
func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if err := m.start(ctx, text); err != nil {
		return nil, err
	}
	audio := m.audioFor(text)
	m.markSpoken(text)
	return &AudioResult{
		Audio:     audio,
		Format:    m.format(),
		CharCount: len(text),
		LatencyMs: m.Latency.Milliseconds(),
		Duration:  time.Duration(len(audio)) * time.Second / time.Duration(m.format().BytesPerSecond()),
	}, nil
}

// Stream returns the sentence in ChunkSize reads. With Hold set the stream
// delivers its audio and then blocks until ctx is cancelled.
func (m *Mock) Stream(ctx context.Context, text string) (AudioStream, error) {
	if err := m.start(ctx, text); err != nil {
		return nil, err
	}
	return &mockStream{
		bufferStream: bufferStream{data: m.audioFor(text), chunkSize: m.ChunkSize, format: m.format()},
		ctx:          ctx,
		mock:         m,
		text:         text,
	}, nil
}

// Health returns the error a FailingMock was built with.
func (m *Mock) Health(context.Context) error { return m.healthErr }

// Close marks the mock closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Requests returns every sentence sent to the mock, in order.
func (m *Mock) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.requests...)
}

// Spoken returns the sentences whose audio was delivered in full.
func (m *Mock) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.spoken...)
}

// Cancelled returns the sentences cut off before they finished.
func (m *Mock) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.cancelled...)
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockStream struct {
	bufferStream
	ctx  context.Context
	mock *Mock
	text string
	done bool
}

func (s *mockStream) Read() ([]byte, error) {
	if s.done {
		return nil, nil
	}
	if err := s.ctx.Err(); err != nil {
		s.done = true
		s.mock.markCancelled(s.text)
		return nil, err
	}
	chunk, _ := s.bufferStream.Read()
	if chunk != nil {
		return chunk, nil
	}
	if s.mock.Hold {
		<-s.ctx.Done()
		s.done = true
		s.mock.markCancelled(s.text)
		return nil, s.ctx.Err()
	}
	s.done = true
	s.mock.markSpoken(s.text)
	return nil, nil
}

var _ Provider = (*Mock)(nil)
