// Package bundled wires the concrete provider packages into a voice.Factory.
//
// Every service built here shares the injected credentials and logger. LLM
// and speech-to-speech services come with the sandbox tool handlers
// registered.
package bundled

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ashutosh7i/Pipecat-sandbox/internal/httpc"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llm"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/realtime"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/stt"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tts"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
)

const googleScope = "https://www.googleapis.com/auth/generative-language"

// TokenSourceFunc returns Google credentials for Gemini when no API key is set.
type TokenSourceFunc func(ctx context.Context) (oauth2.TokenSource, error)

// Factory builds provider services. It implements voice.Factory.
type Factory struct {
	creds  voice.Credentials
	logger *slog.Logger
	client *http.Client
	tools  *tools.Registry

	tokenSource TokenSourceFunc
	endpoints   map[string]string
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger handed to every service.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithHTTPClient sets the client used by HTTP providers.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) { f.client = c }
}

// WithTools replaces the handlers registered on LLM and S2S services.
func WithTools(r *tools.Registry) Option {
	return func(f *Factory) { f.tools = r }
}

// WithGoogleTokenSource overrides how Gemini finds credentials when
// GOOGLE_API_KEY is empty. The default uses application default credentials.
func WithGoogleTokenSource(fn TokenSourceFunc) Option {
	return func(f *Factory) { f.tokenSource = fn }
}

// WithEndpoint overrides the base URL of one provider kind, e.g. to point a
// service at a local fake.
func WithEndpoint(kind, url string) Option {
	return func(f *Factory) { f.endpoints[kind] = url }
}

// NewFactory creates a factory over creds.
func NewFactory(creds voice.Credentials, opts ...Option) *Factory {
	f := &Factory{
		creds:     creds,
		logger:    slog.Default(),
		client:    httpc.Client,
		endpoints: make(map[string]string),
		tokenSource: func(ctx context.Context) (oauth2.TokenSource, error) {
			return google.DefaultTokenSource(ctx, googleScope)
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tools == nil {
		f.tools = tools.NewRegistry()
		tools.RegisterSandbox(f.tools, f.logger)
	}
	return f
}

// Credentials returns the injected credentials.
func (f *Factory) Credentials() voice.Credentials { return f.creds }

// NewSTT builds a streaming transcription service.
func (f *Factory) NewSTT(kind voice.STTKind) (voice.STTService, error) {
	opts := []stt.Option{
		stt.WithAPIKey(f.creds.STTKey(kind)),
		stt.WithLogger(f.logger),
	}
	if url, ok := f.endpoints[string(kind)]; ok {
		opts = append(opts, stt.WithURL(url))
	}
	switch kind {
	case voice.STTDeepgram:
		return stt.NewDeepgram(append(opts, stt.WithModel(voice.DeepgramModel))...), nil
	case voice.STTSoniox:
		return stt.NewSoniox(append(opts, stt.WithModel(voice.SonioxModel))...), nil
	}
	return nil, &voice.ProviderError{Role: voice.RoleSTT, Kind: string(kind), Err: voice.ErrUnknownProvider}
}

// NewLLM builds a chat service with the sandbox tools registered.
func (f *Factory) NewLLM(kind voice.LLMKind) (voice.LLMService, error) {
	opts := []llm.Option{
		llm.WithAPIKey(f.creds.LLMKey(kind)),
		llm.WithHTTPClient(f.client),
		llm.WithLogger(f.logger),
	}
	if url, ok := f.endpoints[string(kind)]; ok {
		opts = append(opts, llm.WithBaseURL(url))
	}

	var (
		provider llm.Provider
		err      error
	)
	switch kind {
	case voice.LLMOpenAI:
		provider, err = llm.NewClient(append(opts, llm.WithModel(voice.OpenAIModel))...)
	case voice.LLMGrok:
		provider, err = llm.NewGrok(append(opts, llm.WithModel(voice.GrokModel))...)
	case voice.LLMGemini:
		opts = append(opts, llm.WithModel(voice.GeminiModel))
		if f.creds.Google == "" {
			if ts, tsErr := f.tokenSource(context.Background()); tsErr == nil {
				opts = append(opts, llm.WithTokenSource(ts))
			} else {
				f.logger.Warn("no Google credentials found; Gemini requests will fail", "error", tsErr)
			}
		}
		provider, err = llm.NewGemini(opts...)
	default:
		return nil, &voice.ProviderError{Role: voice.RoleLLM, Kind: string(kind), Err: voice.ErrUnknownProvider}
	}
	if err != nil {
		return nil, &voice.ProviderError{Role: voice.RoleLLM, Kind: string(kind), Err: err}
	}

	svc := llm.NewService(provider, llm.WithServiceLogger(f.logger))
	voice.RegisterTools(svc, f.tools)
	return svc, nil
}

// NewTTS builds a synthesis service.
func (f *Factory) NewTTS(kind voice.TTSKind) (voice.TTSService, error) {
	if kind != voice.TTSCartesia {
		return nil, &voice.ProviderError{Role: voice.RoleTTS, Kind: string(kind), Err: voice.ErrUnknownProvider}
	}
	opts := []tts.Option{
		tts.WithAPIKey(f.creds.TTSKey(kind)),
		tts.WithModel(voice.CartesiaModel),
		tts.WithVoice(voice.CartesiaVoiceID),
		tts.WithHTTPClient(f.client),
		tts.WithLogger(f.logger),
	}
	if url, ok := f.endpoints[string(kind)]; ok {
		opts = append(opts, tts.WithBaseURL(url))
	}
	provider, err := tts.NewCartesia(opts...)
	if err != nil {
		return nil, &voice.ProviderError{Role: voice.RoleTTS, Kind: string(kind), Err: err}
	}
	return tts.NewService(provider, tts.WithServiceLogger(f.logger)), nil
}

// NewRealtime builds a speech-to-speech service with the sandbox tools
// registered. Gemini Live needs GOOGLE_API_KEY; without it the call fails
// with voice.ErrMissingAPIKey so the caller can fall back.
func (f *Factory) NewRealtime(kind voice.S2SKind, o voice.RealtimeOptions) (voice.RealtimeService, error) {
	opts := []realtime.Option{
		realtime.WithAPIKey(f.creds.S2SKey(kind)),
		realtime.WithInstructions(o.Instructions),
		realtime.WithTools(o.Tools),
		realtime.WithLogger(f.logger),
	}
	if url, ok := f.endpoints[string(kind)]; ok {
		opts = append(opts, realtime.WithURL(url))
	}

	var svc *realtime.Service
	switch kind {
	case voice.S2SOpenAIRealtime:
		svc = realtime.NewOpenAI(append(opts,
			realtime.WithModel(voice.OpenAIRealtimeModel),
			realtime.WithVoice(voice.OpenAIRealtimeVoice),
		)...)
	case voice.S2SGeminiLive:
		if f.creds.Google == "" {
			return nil, &voice.ProviderError{Role: voice.RoleS2S, Kind: string(kind), Err: voice.ErrMissingAPIKey}
		}
		svc = realtime.NewGeminiLive(append(opts,
			realtime.WithModel(voice.GeminiLiveModel),
			realtime.WithVoice(voice.GeminiLiveVoice),
		)...)
	default:
		return nil, &voice.ProviderError{Role: voice.RoleS2S, Kind: string(kind), Err: voice.ErrUnknownProvider}
	}
	voice.RegisterTools(svc, f.tools)
	return svc, nil
}

var _ voice.Factory = (*Factory)(nil)
