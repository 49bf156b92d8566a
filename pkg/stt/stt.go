// Package stt streams user audio to a speech-to-text websocket and turns
// its results into transcription frames.
//
// Service handles the connection lifecycle for every provider: it dials on
// StartFrame, writes each InputAudioRawFrame as a binary message, and closes
// the stream gracefully on EndFrame so late finals still reach the pipeline.
// The wire protocol of each provider lives in a dialect.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/audioio"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

// ServiceName is the pipeline stage name of an STT service.
const ServiceName = "stt"

var (
	ErrNoAPIKey     = errors.New("stt: API key required")
	ErrNotConnected = errors.New("stt: not connected")
)

// Result is one transcript update from a provider.
type Result struct {
	Text     string
	Final    bool
	Language string
}

// dialect is the provider-specific part of a streaming session.
type dialect interface {
	provider() string
	url(cfg *Config) (string, error)
	header(cfg *Config) http.Header
	// handshake runs once after the socket opens.
	handshake(conn *websocket.Conn, cfg *Config) error
	parse(data []byte) ([]Result, error)
	closeMessage() (int, []byte)
}

// Config holds STT provider configuration.
type Config struct {
	APIKey     string
	URL        string
	Model      string
	Language   string
	SampleRate int

	InterimResults   bool
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration

	Logger *slog.Logger
}

// Option configures an STT service.
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

// WithLanguage sets the transcription language.
func WithLanguage(lang string) Option {
	return func(c *Config) { c.Language = lang }
}

// WithSampleRate sets the rate audio is sent at.
func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithInterimResults enables interim transcripts.
func WithInterimResults(enabled bool) Option {
	return func(c *Config) { c.InterimResults = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns defaults shared by all providers.
func DefaultConfig() *Config {
	return &Config{
		Language:         "en",
		SampleRate:       16000,
		InterimResults:   true,
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     2 * time.Second,
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

// Service is a pipeline stage that transcribes InputAudioRawFrames. Audio is
// forwarded unchanged so downstream stages can run VAD on it.
type Service struct {
	*pipeline.BaseProcessor

	cfg     *Config
	dialect dialect

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	done    chan struct{}
}

func newService(cfg *Config, d dialect) *Service {
	return &Service{
		BaseProcessor: pipeline.NewBaseProcessor(ServiceName, cfg.Logger.With("provider", d.provider())),
		cfg:           cfg,
		dialect:       d,
	}
}

// Model returns the transcription model.
func (s *Service) Model() string { return s.cfg.Model }

// Provider returns the provider name.
func (s *Service) Provider() string { return s.dialect.provider() }

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
		if err := s.sendAudio(fr); err != nil && !errors.Is(err, ErrNotConnected) {
			s.Logger().Warn("send audio failed", "error", err)
		}
	case *frames.EndFrame:
		s.disconnect(true)
	case *frames.CancelFrame:
		s.disconnect(false)
	}
	return s.PushFrame(ctx, f, dir)
}

func (s *Service) connect(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("stt [%s]: %w", s.dialect.provider(), err)
	}
	url, err := s.dialect.url(s.cfg)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, s.dialect.header(s.cfg))
	if err != nil {
		if resp != nil {
			return fmt.Errorf("stt [%s]: dial: %w (status %d)", s.dialect.provider(), err, resp.StatusCode)
		}
		return fmt.Errorf("stt [%s]: dial: %w", s.dialect.provider(), err)
	}
	if err := s.dialect.handshake(conn, s.cfg); err != nil {
		conn.Close()
		return fmt.Errorf("stt [%s]: handshake: %w", s.dialect.provider(), err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn, s.closing, s.done = conn, false, done
	s.mu.Unlock()

	s.Go(ctx, func(ctx context.Context) {
		defer close(done)
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
		s.read(ctx, conn)
	})
	s.Logger().Info("connected", "model", s.cfg.Model)
	return nil
}

func (s *Service) sendAudio(f *frames.InputAudioRawFrame) error {
	audio := f.Audio
	if f.SampleRate != 0 && f.SampleRate != s.cfg.SampleRate {
		audio = audioio.ResampleBytes(audio, f.SampleRate, s.cfg.SampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closing {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// disconnect closes the stream. When graceful, the provider's end-of-stream
// message is sent and the reader is given CloseTimeout to drain results.
func (s *Service) disconnect(graceful bool) {
	s.mu.Lock()
	conn, done := s.conn, s.done
	if conn == nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	if graceful {
		mt, data := s.dialect.closeMessage()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(mt, data); err != nil {
			graceful = false
		}
	}
	s.mu.Unlock()

	if graceful {
		select {
		case <-done:
		case <-time.After(s.cfg.CloseTimeout):
			s.Logger().Warn("timed out waiting for final results")
		}
	}

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	conn.Close()
}

func (s *Service) read(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing && ctx.Err() == nil {
				s.Logger().Error("read failed", "error", err)
				_ = s.PushError(ctx, fmt.Errorf("stt [%s]: %w", s.dialect.provider(), err), false)
			}
			return
		}

		results, err := s.dialect.parse(data)
		if err != nil {
			s.Logger().Warn("bad message", "error", err)
			_ = s.PushError(ctx, err, false)
			continue
		}
		for _, r := range results {
			if err := s.pushResult(ctx, r); err != nil {
				return
			}
		}
	}
}

func (s *Service) pushResult(ctx context.Context, r Result) error {
	if r.Text == "" {
		return nil
	}
	lang := r.Language
	if lang == "" {
		lang = s.cfg.Language
	}
	if r.Final {
		s.Logger().Debug("transcript", "text", r.Text)
		return s.PushFrame(ctx, &frames.TranscriptionFrame{
			Text:      r.Text,
			Language:  lang,
			Timestamp: time.Now(),
		}, pipeline.Downstream)
	}
	if !s.cfg.InterimResults {
		return nil
	}
	return s.PushFrame(ctx, &frames.InterimTranscriptionFrame{
		Text:      r.Text,
		Timestamp: time.Now(),
	}, pipeline.Downstream)
}

// Cleanup closes the socket if the pipeline stopped without an EndFrame.
func (s *Service) Cleanup(context.Context) error {
	s.disconnect(false)
	return nil
}

var (
	_ pipeline.Processor = (*Service)(nil)
	_ pipeline.Cleaner   = (*Service)(nil)
)
