package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

// ServiceName is the pipeline stage name of a TTS service.
const ServiceName = "tts"

// Service is a pipeline stage that speaks LLM text. TextFrames are consumed
// and replaced by TTSStarted, OutputAudioRaw, TTSText and TTSStopped frames.
// Synthesis runs on a worker goroutine so an interruption can cancel it.
type Service struct {
	*pipeline.BaseProcessor

	provider Provider
	model    string
	voice    string

	text strings.Builder
	jobs chan job
	gen  atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc

	started bool
}

// job is either a sentence to speak or a frame to forward once every
// sentence queued before it has been spoken.
type job struct {
	text  string
	gen   uint64
	frame frames.Frame
	dir   pipeline.Direction
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.BaseProcessor = pipeline.NewBaseProcessor(ServiceName, l)
	}
}

// WithServiceModel sets the model name reported in metrics.
func WithServiceModel(model string) ServiceOption {
	return func(s *Service) { s.model = model }
}

// WithServiceVoice sets the voice reported by Voice.
func WithServiceVoice(voice string) ServiceOption {
	return func(s *Service) { s.voice = voice }
}

// NewService wraps provider as a pipeline stage.
func NewService(provider Provider, opts ...ServiceOption) *Service {
	s := &Service{
		BaseProcessor: pipeline.NewBaseProcessor(ServiceName, nil),
		provider:      provider,
		jobs:          make(chan job, 256),
	}
	if c, ok := provider.(*Cartesia); ok {
		s.model, s.voice = c.ModelID(), c.VoiceID()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the synthesis model.
func (s *Service) Model() string { return s.model }

// Voice returns the synthesis voice.
func (s *Service) Voice() string { return s.voice }

// Provider returns the wrapped provider.
func (s *Service) Provider() Provider { return s.provider }

// ProcessFrame implements pipeline.Processor.
func (s *Service) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	if dir == pipeline.Upstream {
		return s.PushFrame(ctx, f, dir)
	}

	switch fr := f.(type) {
	case *frames.StartFrame:
		if !s.started {
			s.started = true
			s.Go(ctx, s.worker)
		}
		return s.PushFrame(ctx, f, dir)

	case *frames.TextFrame:
		s.text.WriteString(fr.Text)
		for _, sentence := range s.takeSentences() {
			s.enqueue(ctx, job{text: sentence, gen: s.gen.Load()})
		}
		return nil

	case *frames.LLMFullResponseEndFrame, *frames.EndFrame:
		s.flush(ctx)
		s.enqueue(ctx, job{frame: f, dir: dir})
		return nil

	case *frames.InterruptionFrame, *frames.CancelFrame:
		s.interrupt()
		return s.PushFrame(ctx, f, dir)
	}

	if s.started && len(s.jobs) > 0 && !frames.IsSystem(f) {
		s.enqueue(ctx, job{frame: f, dir: dir})
		return nil
	}
	return s.PushFrame(ctx, f, dir)
}

// flush queues any buffered text that did not end a sentence.
func (s *Service) flush(ctx context.Context) {
	rest := s.text.String()
	s.text.Reset()
	if strings.TrimSpace(rest) != "" {
		s.enqueue(ctx, job{text: rest, gen: s.gen.Load()})
	}
}

func (s *Service) enqueue(ctx context.Context, j job) {
	if !s.started {
		return
	}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
	}
}

// interrupt drops buffered and queued text and cancels the running request.
func (s *Service) interrupt() {
	s.text.Reset()
	s.gen.Add(1)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			if j.frame != nil {
				_ = s.PushFrame(ctx, j.frame, j.dir)
				continue
			}
			if j.gen != s.gen.Load() {
				continue
			}
			if err := s.speak(ctx, j); err != nil && ctx.Err() == nil {
				s.Logger().Error("synthesis failed", "error", err)
				_ = s.PushError(ctx, err, false)
			}
		}
	}
}

// speak synthesizes one sentence and pushes its audio downstream.
func (s *Service) speak(ctx context.Context, j job) error {
	text := strings.TrimSpace(j.text)
	if text == "" {
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	if err := s.PushFrame(ctx, &frames.TTSStartedFrame{}, pipeline.Downstream); err != nil {
		return err
	}
	defer s.PushFrame(ctx, &frames.TTSStoppedFrame{}, pipeline.Downstream)

	stream, err := s.provider.Stream(sctx, text)
	if err != nil {
		if sctx.Err() != nil {
			return nil
		}
		return err
	}
	defer stream.Close()

	format := stream.Format()
	first := true
	for {
		chunk, err := stream.Read()
		if err != nil {
			if sctx.Err() != nil {
				return nil
			}
			return err
		}
		if chunk == nil || j.gen != s.gen.Load() {
			break
		}
		if first {
			first = false
			_ = s.PushTTFB(ctx, s.model, time.Since(start))
		}
		if err := s.PushFrame(ctx, &frames.OutputAudioRawFrame{
			Audio:       chunk,
			SampleRate:  format.SampleRate,
			NumChannels: format.Channels,
		}, pipeline.Downstream); err != nil {
			return err
		}
	}
	if j.gen != s.gen.Load() {
		return nil
	}

	_ = s.PushTTSUsage(ctx, s.model, len(text))
	return s.PushFrame(ctx, &frames.TTSTextFrame{Text: j.text}, pipeline.Downstream)
}

// takeSentences removes complete sentences from the text buffer. Spacing is
// preserved so the spoken segments concatenate back to the original reply.
func (s *Service) takeSentences() []string {
	buf := s.text.String()
	var out []string
	last := 0
	for i := 0; i < len(buf)-1; i++ {
		switch buf[i] {
		case '.', '!', '?', '\n':
			next := buf[i+1]
			if next == ' ' || next == '\n' || next == '\t' {
				out = append(out, buf[last:i+1])
				last = i + 1
			}
		}
	}
	if last > 0 {
		s.text.Reset()
		s.text.WriteString(buf[last:])
	}
	return out
}

// Cleanup closes the provider.
func (s *Service) Cleanup(context.Context) error {
	return s.provider.Close()
}

var (
	_ pipeline.Processor = (*Service)(nil)
	_ pipeline.Cleaner   = (*Service)(nil)
)
