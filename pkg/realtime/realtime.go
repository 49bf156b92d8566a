// Package realtime runs speech-to-speech models over a websocket. A single
// Service stands in for the STT, LLM and TTS stages: it streams user audio up
// and pushes the model's audio, transcripts and tool calls into the pipeline.
//
// OpenAI Realtime and Gemini Live differ only in their wire protocol, which
// lives in a dialect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/audioio"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

// ServiceName is the pipeline stage name of a realtime service.
const ServiceName = "s2s"

// OutputSampleRate is the rate of audio produced by both providers.
const OutputSampleRate = 24000

var (
	ErrNoAPIKey     = errors.New("realtime: API key required")
	ErrNotConnected = errors.New("realtime: not connected")
	ErrPendingFull  = errors.New("realtime: too many messages waiting for setup")
)

// maxPending bounds messages held before setup completes, about ten
// seconds of 20 ms input audio.
const maxPending = 500

type eventKind int

const (
	eventReady eventKind = iota
	eventSpeechStarted
	eventSpeechStopped
	eventUserTranscript
	eventAudio
	eventTranscript
	eventResponseDone
	eventInterrupted
	eventFunctionCalls
)

// event is a provider message normalized for the Service.
type event struct {
	kind  eventKind
	text  string
	audio []byte
	calls []functionCall
	usage *frames.LLMUsage
}

type functionCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type functionResult struct {
	call   functionCall
	result any
}

// dialect is the provider-specific part of a realtime session.
type dialect interface {
	provider() string
	url(cfg *Config) (string, error)
	header(cfg *Config) http.Header
	inputRate() int
	// setup returns the messages sent once after the socket opens.
	setup(cfg *Config) []any
	// awaitsReady reports whether history and audio must wait for the
	// server to acknowledge setup.
	awaitsReady() bool
	audio(pcm []byte) any
	// history seeds the conversation and asks the model to respond.
	history(cfg *Config, msgs []llmcontext.Message) []any
	functionResults(rs []functionResult) []any
	parse(data []byte) ([]event, error)
}

// Config holds realtime provider configuration.
type Config struct {
	APIKey       string
	URL          string
	Model        string
	Voice        string
	Instructions string
	Tools        tools.ToolsSchema

	Speed              float64
	MaxOutputTokens    int
	TranscriptionModel string
	VADEagerness       string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Logger *slog.Logger
}

// Option configures a realtime service.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithURL overrides the websocket endpoint.
func WithURL(url string) Option {
	return func(c *Config) { c.URL = url }
}

// WithModel sets the model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithVoice sets the output voice.
func WithVoice(voice string) Option {
	return func(c *Config) { c.Voice = voice }
}

// WithInstructions sets the system instructions sent at session setup.
func WithInstructions(text string) Option {
	return func(c *Config) { c.Instructions = text }
}

// WithTools sets the functions advertised to the model.
func WithTools(ts tools.ToolsSchema) Option {
	return func(c *Config) { c.Tools = ts }
}

// WithSpeed sets the speaking rate.
func WithSpeed(speed float64) Option {
	return func(c *Config) { c.Speed = speed }
}

// WithMaxOutputTokens caps each response.
func WithMaxOutputTokens(n int) Option {
	return func(c *Config) { c.MaxOutputTokens = n }
}

// WithTranscriptionModel sets the model used to transcribe user audio.
func WithTranscriptionModel(model string) Option {
	return func(c *Config) { c.TranscriptionModel = model }
}

// WithVADEagerness sets how eagerly the server ends a user turn.
func WithVADEagerness(e string) Option {
	return func(c *Config) { c.VADEagerness = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns defaults shared by all providers.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}

// Service is a pipeline stage wrapping a realtime session.
//
// Input audio is consumed and sent to the model. The first LLMContextFrame
// seeds the conversation; later ones are ignored since the server keeps its
// own history. Model audio is pushed as OutputAudioRawFrames bracketed by
// LLMFullResponse and TTS start/stop frames, and user transcripts travel
// upstream to the user context aggregator.
type Service struct {
	*pipeline.BaseProcessor

	cfg      *Config
	dialect  dialect
	registry *tools.Registry

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	ready   bool
	// pending holds history and audio written before the session was ready.
	pending []any

	seeded bool

	// reader goroutine only
	responding bool
	turnStart  time.Time
}

func newService(cfg *Config, d dialect) *Service {
	return &Service{
		BaseProcessor: pipeline.NewBaseProcessor(ServiceName, cfg.Logger.With("provider", d.provider())),
		cfg:           cfg,
		dialect:       d,
		registry:      tools.NewRegistry(),
	}
}

// Model returns the realtime model.
func (s *Service) Model() string { return s.cfg.Model }

// Voice returns the output voice.
func (s *Service) Voice() string { return s.cfg.Voice }

// Provider returns the provider name.
func (s *Service) Provider() string { return s.dialect.provider() }

// RegisterFunction installs the handler invoked when the model calls name.
func (s *Service) RegisterFunction(name string, h tools.Handler) {
	s.registry.Register(name, h)
}

// Functions returns the registered function names.
func (s *Service) Functions() []string { return s.registry.Names() }

// ProcessFrame implements pipeline.Processor.
func (s *Service) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	if dir == pipeline.Upstream {
		return s.PushFrame(ctx, f, dir)
	}

	switch fr := f.(type) {
	case *frames.StartFrame:
		if err := s.connect(ctx); err != nil {
			s.Logger().Error("connect failed", "error", err)
			_ = s.PushError(ctx, err, false)
		}
	case *frames.InputAudioRawFrame:
		if err := s.sendAudio(fr); err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrPendingFull) {
			s.Logger().Warn("send audio failed", "error", err)
		}
		return nil
	case *frames.LLMContextFrame:
		if s.seeded || fr.Context == nil {
			s.Logger().Debug("ignoring context update")
			return nil
		}
		s.seeded = true
		if err := s.sendWhenReady(s.dialect.history(s.cfg, fr.Context.Messages())...); err != nil {
			s.Logger().Warn("send context failed", "error", err)
			_ = s.PushError(ctx, err, false)
		}
		return nil
	case *frames.EndFrame, *frames.CancelFrame:
		s.disconnect()
	}
	return s.PushFrame(ctx, f, dir)
}

func (s *Service) connect(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("realtime [%s]: %w", s.dialect.provider(), err)
	}
	url, err := s.dialect.url(s.cfg)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, s.dialect.header(s.cfg))
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime [%s]: dial: %w (status %d)", s.dialect.provider(), err, resp.StatusCode)
		}
		return fmt.Errorf("realtime [%s]: dial: %w", s.dialect.provider(), err)
	}

	s.mu.Lock()
	s.conn, s.closing = conn, false
	s.ready, s.pending = !s.dialect.awaitsReady(), nil
	s.mu.Unlock()

	if err := s.send(s.dialect.setup(s.cfg)...); err != nil {
		s.disconnect()
		return fmt.Errorf("realtime [%s]: setup: %w", s.dialect.provider(), err)
	}

	s.Go(ctx, func(ctx context.Context) {
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
		s.read(ctx, conn)
	})
	s.Logger().Info("connected", "model", s.cfg.Model, "voice", s.cfg.Voice)
	return nil
}

// send writes each message as JSON under the write lock.
func (s *Service) send(msgs ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closing {
		return ErrNotConnected
	}
	return s.writeLocked(msgs)
}

// sendWhenReady sends msgs, or holds them until the server acknowledged
// setup. Held audio is capped at maxPending messages.
func (s *Service) sendWhenReady(msgs ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closing {
		return ErrNotConnected
	}
	if !s.ready {
		if len(s.pending)+len(msgs) > maxPending {
			return ErrPendingFull
		}
		s.pending = append(s.pending, msgs...)
		return nil
	}
	return s.writeLocked(msgs)
}

func (s *Service) writeLocked(msgs []any) error {
	for _, m := range msgs {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := s.conn.WriteJSON(m); err != nil {
			return err
		}
	}
	return nil
}

// markReady flushes the messages held while waiting for setup.
func (s *Service) markReady() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return 0, nil
	}
	s.ready = true
	pending := s.pending
	s.pending = nil
	if s.conn == nil || s.closing {
		return 0, ErrNotConnected
	}
	return len(pending), s.writeLocked(pending)
}

// Ready reports whether the session accepts history and audio.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closing && s.ready
}

func (s *Service) sendAudio(f *frames.InputAudioRawFrame) error {
	audio := f.Audio
	if rate := s.dialect.inputRate(); f.SampleRate != 0 && f.SampleRate != rate {
		audio = audioio.ResampleBytes(audio, f.SampleRate, rate)
	}
	return s.sendWhenReady(s.dialect.audio(audio))
}

func (s *Service) disconnect() {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.conn = nil
	s.ready, s.pending = false, nil
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.mu.Unlock()
	conn.Close()
	s.Logger().Info("disconnected")
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Service) read(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.isClosing() && ctx.Err() == nil {
				s.Logger().Error("read failed", "error", err)
				_ = s.PushError(ctx, fmt.Errorf("realtime [%s]: %w", s.dialect.provider(), err), false)
			}
			return
		}

		events, err := s.dialect.parse(data)
		if err != nil {
			s.Logger().Warn("server error", "error", err)
			_ = s.PushError(ctx, err, false)
			continue
		}
		for _, ev := range events {
			if err := s.handle(ctx, ev); err != nil {
				return
			}
		}
	}
}

func (s *Service) handle(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventReady:
		n, err := s.markReady()
		if err != nil && !errors.Is(err, ErrNotConnected) {
			s.Logger().Warn("flush pending messages failed", "error", err)
			_ = s.PushError(ctx, err, false)
		}
		s.Logger().Debug("session ready", "flushed", n)

	case eventSpeechStarted:
		if err := s.endResponse(ctx, nil); err != nil {
			return err
		}
		if err := s.PushFrame(ctx, &frames.UserStartedSpeakingFrame{}, pipeline.Downstream); err != nil {
			return err
		}
		return s.PushFrame(ctx, &frames.InterruptionFrame{}, pipeline.Downstream)

	case eventSpeechStopped:
		s.turnStart = time.Now()
		return s.PushFrame(ctx, &frames.UserStoppedSpeakingFrame{}, pipeline.Downstream)

	case eventUserTranscript:
		if ev.text == "" {
			return nil
		}
		s.Logger().Debug("user transcript", "text", ev.text)
		return s.PushFrame(ctx, &frames.TranscriptionFrame{Text: ev.text, Timestamp: time.Now()}, pipeline.Upstream)

	case eventAudio:
		if err := s.beginResponse(ctx); err != nil {
			return err
		}
		return s.PushFrame(ctx, &frames.OutputAudioRawFrame{
			Audio:       ev.audio,
			SampleRate:  OutputSampleRate,
			NumChannels: 1,
		}, pipeline.Downstream)

	case eventTranscript:
		if ev.text == "" {
			return nil
		}
		if err := s.beginResponse(ctx); err != nil {
			return err
		}
		return s.PushFrame(ctx, &frames.TTSTextFrame{Text: ev.text}, pipeline.Downstream)

	case eventResponseDone:
		return s.endResponse(ctx, ev.usage)

	case eventInterrupted:
		if err := s.endResponse(ctx, nil); err != nil {
			return err
		}
		return s.PushFrame(ctx, &frames.InterruptionFrame{}, pipeline.Downstream)

	case eventFunctionCalls:
		return s.runFunctionCalls(ctx, ev.calls)
	}
	return nil
}

func (s *Service) beginResponse(ctx context.Context) error {
	if s.responding {
		return nil
	}
	s.responding = true
	if !s.turnStart.IsZero() {
		_ = s.PushTTFB(ctx, s.cfg.Model, time.Since(s.turnStart))
	}
	if err := s.PushFrame(ctx, &frames.LLMFullResponseStartFrame{}, pipeline.Downstream); err != nil {
		return err
	}
	return s.PushFrame(ctx, &frames.TTSStartedFrame{}, pipeline.Downstream)
}

func (s *Service) endResponse(ctx context.Context, usage *frames.LLMUsage) error {
	if usage != nil {
		_ = s.PushLLMUsage(ctx, s.cfg.Model, *usage)
	}
	if !s.responding {
		return nil
	}
	s.responding = false
	if !s.turnStart.IsZero() {
		_ = s.PushProcessing(ctx, s.cfg.Model, time.Since(s.turnStart))
		s.turnStart = time.Time{}
	}
	if err := s.PushFrame(ctx, &frames.TTSStoppedFrame{}, pipeline.Downstream); err != nil {
		return err
	}
	return s.PushFrame(ctx, &frames.LLMFullResponseEndFrame{}, pipeline.Downstream)
}

// Cleanup closes the socket if the pipeline stopped without an EndFrame.
func (s *Service) Cleanup(context.Context) error {
	s.disconnect()
	return nil
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	return args
}

var (
	_ pipeline.Processor = (*Service)(nil)
	_ pipeline.Cleaner   = (*Service)(nil)
)
