package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/aggregators"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/transport"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/turn"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/vad"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
)

// UserTurnStopTimeout gives children time to pause mid-sentence.
const UserTurnStopTimeout = 8 * time.Second

// GeminiLiveVADStop is the silence that ends a user turn with Gemini Live.
const GeminiLiveVADStop = 500 * time.Millisecond

// Fallback records one provider substitution made while building.
type Fallback struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Assembly is a built session pipeline.
type Assembly struct {
	Pipeline  *pipeline.Pipeline
	Context   *llmcontext.Context
	User      *aggregators.UserAggregator
	Assistant *aggregators.AssistantAggregator

	// Mode is the mode that was actually built.
	Mode Mode
	// Providers maps each role in the pipeline to its provider kind.
	Providers map[voice.Role]string
	Fallbacks []Fallback
}

// Builder turns a session config into a stage list.
type Builder struct {
	factory  voice.Factory
	registry *voice.Registry
	logger   *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithRegistry sets which optional providers are available. Without one
// every provider is.
func WithRegistry(r *voice.Registry) BuilderOption {
	return func(b *Builder) { b.registry = r }
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a builder over f.
func NewBuilder(f voice.Factory, opts ...BuilderOption) *Builder {
	b := &Builder{factory: f, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = voice.NewRegistry()
	}
	b.logger = b.logger.With("component", "bot.builder")
	return b
}

// Build assembles the pipeline for mode. Speech-to-speech falls back from
// Gemini Live to OpenAI Realtime and from OpenAI Realtime to three_tier;
// each step is logged and recorded on the Assembly.
func (b *Builder) Build(ctx context.Context, mode Mode, tr transport.Transport, systemMessage string, ts tools.ToolsSchema, cfg SessionConfig) (*Assembly, error) {
	if mode == ModeS2S {
		return b.buildS2S(ctx, tr, systemMessage, ts, cfg)
	}
	return b.buildThreeTier(ctx, tr, systemMessage, ts, cfg, nil)
}

func newContext(systemMessage string, ts tools.ToolsSchema) *llmcontext.Context {
	return llmcontext.New([]llmcontext.Message{
		llmcontext.System(systemMessage),
		llmcontext.User(GreetingTrigger),
	}, ts)
}

func (b *Builder) buildThreeTier(ctx context.Context, tr transport.Transport, systemMessage string, ts tools.ToolsSchema, cfg SessionConfig, fallbacks []Fallback) (*Assembly, error) {
	c := newContext(systemMessage, ts)
	strategies := aggregators.TurnStrategies{
		Start: []aggregators.StartStrategy{
			aggregators.VADStart{},
			aggregators.TranscriptionStart{UseInterim: true},
		},
		Stop: []aggregators.StopStrategy{
			aggregators.TurnAnalyzerStop{Analyzer: turn.NewLocalAnalyzer(turn.LocalParams{})},
		},
	}
	user, assistant := aggregators.NewPair(c, aggregators.UserParams{
		VADAnalyzer:         vad.NewEnergyAnalyzer(vad.DefaultParams()),
		Strategies:          &strategies,
		UserTurnStopTimeout: UserTurnStopTimeout,
	}, aggregators.WithLogger(b.logger))

	stt, err := b.factory.NewSTT(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("bot: build stt: %w", err)
	}
	llm, err := b.factory.NewLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("bot: build llm: %w", err)
	}
	tts, err := b.factory.NewTTS(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("bot: build tts: %w", err)
	}

	b.logger.Info("built three_tier pipeline", "stt", cfg.STT, "llm", cfg.LLM, "tts", cfg.TTS)
	return &Assembly{
		Pipeline:  pipeline.New(tr.Input(), stt, user, llm, tts, tr.Output(), assistant),
		Context:   c,
		User:      user,
		Assistant: assistant,
		Mode:      ModeThreeTier,
		Providers: map[voice.Role]string{
			voice.RoleSTT: string(cfg.STT),
			voice.RoleLLM: string(cfg.LLM),
			voice.RoleTTS: string(cfg.TTS),
		},
		Fallbacks: fallbacks,
	}, nil
}

func (b *Builder) buildS2S(ctx context.Context, tr transport.Transport, systemMessage string, ts tools.ToolsSchema, cfg SessionConfig) (*Assembly, error) {
	var fallbacks []Fallback
	opts := voice.RealtimeOptions{Instructions: systemMessage, Tools: ts}

	if cfg.S2S == voice.S2SGeminiLive {
		if !b.registry.IsAvailable(string(voice.S2SGeminiLive)) {
			b.logger.Error("Gemini Live not available, falling back to OpenAI Realtime")
			fallbacks = append(fallbacks, Fallback{
				From:   string(voice.S2SGeminiLive),
				To:     string(voice.S2SOpenAIRealtime),
				Reason: voice.ErrProviderUnavailable.Error(),
			})
		} else {
			svc, err := b.factory.NewRealtime(voice.S2SGeminiLive, opts)
			switch {
			case err == nil:
				return b.s2sAssembly(tr, systemMessage, ts, voice.S2SGeminiLive, svc, fallbacks), nil
			case errors.Is(err, voice.ErrMissingAPIKey):
				b.logger.Error("GOOGLE_API_KEY not set, Gemini Live requires it; falling back to OpenAI Realtime")
				fallbacks = append(fallbacks, Fallback{
					From:   string(voice.S2SGeminiLive),
					To:     string(voice.S2SOpenAIRealtime),
					Reason: voice.ErrMissingAPIKey.Error(),
				})
			default:
				return nil, fmt.Errorf("bot: build gemini live: %w", err)
			}
		}
	}

	if !b.registry.IsAvailable(string(voice.S2SOpenAIRealtime)) {
		b.logger.Error("OpenAI Realtime not available, falling back to three_tier")
		fallbacks = append(fallbacks, Fallback{
			From:   string(voice.S2SOpenAIRealtime),
			To:     string(ModeThreeTier),
			Reason: voice.ErrProviderUnavailable.Error(),
		})
		return b.buildThreeTier(ctx, tr, systemMessage, ts, cfg, fallbacks)
	}

	svc, err := b.factory.NewRealtime(voice.S2SOpenAIRealtime, opts)
	if err != nil {
		return nil, fmt.Errorf("bot: build openai realtime: %w", err)
	}
	return b.s2sAssembly(tr, systemMessage, ts, voice.S2SOpenAIRealtime, svc, fallbacks), nil
}

func (b *Builder) s2sAssembly(tr transport.Transport, systemMessage string, ts tools.ToolsSchema, kind voice.S2SKind, svc voice.RealtimeService, fallbacks []Fallback) *Assembly {
	c := newContext(systemMessage, ts)

	var params aggregators.UserParams
	if kind == voice.S2SGeminiLive {
		params.VADAnalyzer = vad.NewEnergyAnalyzer(vad.Params{Stop: GeminiLiveVADStop})
	} else {
		external := aggregators.ExternalTurnStrategies()
		params.Strategies = &external
	}
	user, assistant := aggregators.NewPair(c, params, aggregators.WithLogger(b.logger))

	b.logger.Info("built speech-to-speech pipeline", "provider", kind, "model", svc.Model(), "voice", svc.Voice())
	return &Assembly{
		Pipeline:  pipeline.New(tr.Input(), user, svc, tr.Output(), assistant),
		Context:   c,
		User:      user,
		Assistant: assistant,
		Mode:      ModeS2S,
		Providers: map[voice.Role]string{voice.RoleS2S: string(kind)},
		Fallbacks: fallbacks,
	}
}
