package bot

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline/pipelinetest"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/transport"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
)

const slogLevelError = slog.LevelError

// logSink captures records from every logger derived from it.
type logSink struct {
	mu   sync.Mutex
	recs []slog.Record
}

func newLogSink() *logSink { return &logSink{} }

func (s *logSink) logger() *slog.Logger { return slog.New(captureHandler{s}) }

func (s *logSink) count(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recs {
		if r.Message == msg {
			n++
		}
	}
	return n
}

func (s *logSink) messages(level slog.Level) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.recs {
		if r.Level == level {
			out = append(out, r.Message)
		}
	}
	return out
}

type captureHandler struct{ sink *logSink }

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.recs = append(h.sink.recs, r.Clone())
	return nil
}

func (h captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h captureHandler) WithGroup(string) slog.Handler      { return h }

// fakeService is a pass-through stage standing in for a provider service.
type fakeService struct {
	*pipelinetest.Collector
	model string

	mu  sync.Mutex
	fns []string
}

func (s *fakeService) Model() string { return s.model }
func (s *fakeService) Voice() string { return "test-voice" }

func (s *fakeService) RegisterFunction(name string, _ tools.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, name)
}

type fakeFactory struct {
	mu           sync.Mutex
	errs         map[string]error
	services     map[string]*fakeService
	realtimeOpts map[voice.S2SKind]voice.RealtimeOptions
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		errs:         make(map[string]error),
		services:     make(map[string]*fakeService),
		realtimeOpts: make(map[voice.S2SKind]voice.RealtimeOptions),
	}
}

func (f *fakeFactory) build(stage, kind string) (*fakeService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[kind]; err != nil {
		return nil, err
	}
	if err := f.errs[stage]; err != nil {
		return nil, err
	}
	svc := &fakeService{Collector: pipelinetest.NewCollector(stage), model: kind + "-model"}
	f.services[stage] = svc
	return svc, nil
}

func (f *fakeFactory) service(stage string) *fakeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[stage]
}

func (f *fakeFactory) NewSTT(kind voice.STTKind) (voice.STTService, error) {
	svc, err := f.build("stt", string(kind))
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (f *fakeFactory) NewLLM(kind voice.LLMKind) (voice.LLMService, error) {
	svc, err := f.build("llm", string(kind))
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (f *fakeFactory) NewTTS(kind voice.TTSKind) (voice.TTSService, error) {
	svc, err := f.build("tts", string(kind))
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (f *fakeFactory) NewRealtime(kind voice.S2SKind, o voice.RealtimeOptions) (voice.RealtimeService, error) {
	f.mu.Lock()
	f.realtimeOpts[kind] = o
	f.mu.Unlock()
	svc, err := f.build("realtime", string(kind))
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (f *fakeFactory) Credentials() voice.Credentials { return voice.Credentials{} }

var _ voice.Factory = (*fakeFactory)(nil)

// fakeConn is a client connection that never carries media.
type fakeConn struct {
	audio    chan []byte
	messages chan []byte

	mu       sync.Mutex
	handlers []func(transport.State)
	sent     []any
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{audio: make(chan []byte), messages: make(chan []byte)}
}

func (c *fakeConn) ID() string              { return "pc-1" }
func (c *fakeConn) Audio() <-chan []byte    { return c.audio }
func (c *fakeConn) InSampleRate() int       { return 48000 }
func (c *fakeConn) Messages() <-chan []byte { return c.messages }

func (c *fakeConn) WriteAudio([]byte, int) error { return nil }

func (c *fakeConn) SendMessage(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) OnStateChange(fn func(transport.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *fakeConn) setState(s transport.State) {
	c.mu.Lock()
	hs := slices.Clone(c.handlers)
	c.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestTransport(p transport.Params) transport.Transport {
	return transport.NewSmallWebRTC(newFakeConn(), p, transport.WithLogger(newLogSink().logger()))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
