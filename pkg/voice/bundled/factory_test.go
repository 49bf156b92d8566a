package bundled

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llm"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/realtime"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noGoogle(context.Context) (oauth2.TokenSource, error) {
	return nil, errors.New("no default credentials")
}

func TestFactorySTT(t *testing.T) {
	f := NewFactory(voice.Credentials{}, WithLogger(quietLogger()))
	tests := []struct {
		kind  voice.STTKind
		model string
	}{
		{voice.STTDeepgram, voice.DeepgramModel},
		{voice.STTSoniox, voice.SonioxModel},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			svc, err := f.NewSTT(tt.kind)
			if err != nil {
				t.Fatalf("NewSTT: %v", err)
			}
			if svc.Model() != tt.model {
				t.Errorf("model = %q, want %q", svc.Model(), tt.model)
			}
		})
	}

	_, err := f.NewSTT("whisper")
	var perr *voice.ProviderError
	if !errors.As(err, &perr) || perr.Role != voice.RoleSTT || !errors.Is(err, voice.ErrUnknownProvider) {
		t.Errorf("unknown kind err = %v", err)
	}
}

func TestFactoryLLMRegistersSandboxTools(t *testing.T) {
	f := NewFactory(voice.Credentials{}, WithLogger(quietLogger()), WithGoogleTokenSource(noGoogle))
	tests := []struct {
		kind  voice.LLMKind
		model string
	}{
		{voice.LLMOpenAI, voice.OpenAIModel},
		{voice.LLMGemini, voice.GeminiModel},
		{voice.LLMGrok, voice.GrokModel},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			svc, err := f.NewLLM(tt.kind)
			if err != nil {
				t.Fatalf("NewLLM without credentials: %v", err)
			}
			if svc.Model() != tt.model {
				t.Errorf("model = %q", svc.Model())
			}
			fns := svc.(*llm.Service).Functions()
			if len(fns) != 2 || fns[0] != tools.ShowPictureName || fns[1] != tools.ShowTextName {
				t.Errorf("functions = %v", fns)
			}
		})
	}
}

func TestFactoryGeminiUsesTokenSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer adc" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}]}`)
	}))
	defer server.Close()

	f := NewFactory(voice.Credentials{},
		WithLogger(quietLogger()),
		WithEndpoint(string(voice.LLMGemini), server.URL),
		WithGoogleTokenSource(func(context.Context) (oauth2.TokenSource, error) {
			return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "adc", TokenType: "Bearer"}), nil
		}),
	)
	svc, err := f.NewLLM(voice.LLMGemini)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := svc.(*llm.Service).Provider().Chat(context.Background(), &llm.ChatRequest{
		Messages: []llmcontext.Message{llmcontext.User("hello")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hi" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestFactoryTTS(t *testing.T) {
	f := NewFactory(voice.Credentials{Cartesia: "ck"}, WithLogger(quietLogger()))
	svc, err := f.NewTTS(voice.TTSCartesia)
	if err != nil {
		t.Fatalf("NewTTS: %v", err)
	}
	if svc.Model() != voice.CartesiaModel || svc.Voice() != voice.CartesiaVoiceID {
		t.Errorf("tts = %s %s", svc.Model(), svc.Voice())
	}
	if _, err := f.NewTTS("elevenlabs"); !errors.Is(err, voice.ErrUnknownProvider) {
		t.Errorf("unknown kind err = %v", err)
	}
}

func TestFactoryRealtime(t *testing.T) {
	opts := voice.RealtimeOptions{Instructions: "be kind", Tools: tools.SandboxTools()}

	t.Run("openai", func(t *testing.T) {
		f := NewFactory(voice.Credentials{}, WithLogger(quietLogger()))
		svc, err := f.NewRealtime(voice.S2SOpenAIRealtime, opts)
		if err != nil {
			t.Fatalf("NewRealtime: %v", err)
		}
		if svc.Model() != voice.OpenAIRealtimeModel || svc.Voice() != voice.OpenAIRealtimeVoice {
			t.Errorf("service = %s %s", svc.Model(), svc.Voice())
		}
		if fns := svc.(*realtime.Service).Functions(); len(fns) != 2 {
			t.Errorf("functions = %v", fns)
		}
	})

	t.Run("gemini without key", func(t *testing.T) {
		f := NewFactory(voice.Credentials{OpenAI: "ok"}, WithLogger(quietLogger()))
		_, err := f.NewRealtime(voice.S2SGeminiLive, opts)
		if !errors.Is(err, voice.ErrMissingAPIKey) {
			t.Errorf("err = %v, want ErrMissingAPIKey", err)
		}
	})

	t.Run("gemini", func(t *testing.T) {
		f := NewFactory(voice.Credentials{Google: "gk"}, WithLogger(quietLogger()))
		svc, err := f.NewRealtime(voice.S2SGeminiLive, opts)
		if err != nil {
			t.Fatalf("NewRealtime: %v", err)
		}
		if svc.Model() != voice.GeminiLiveModel || svc.Voice() != voice.GeminiLiveVoice {
			t.Errorf("service = %s %s", svc.Model(), svc.Voice())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		f := NewFactory(voice.Credentials{})
		if _, err := f.NewRealtime("nova_sonic", opts); !errors.Is(err, voice.ErrUnknownProvider) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestFactoryCustomTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register("wave", func(ctx context.Context, p *tools.FunctionCallParams) error {
		return p.ResultCallback(ctx, "waved")
	})
	f := NewFactory(voice.Credentials{}, WithTools(reg), WithLogger(quietLogger()))
	svc, err := f.NewLLM(voice.LLMOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if fns := svc.(*llm.Service).Functions(); len(fns) != 1 || fns[0] != "wave" {
		t.Errorf("functions = %v", fns)
	}
	if f.Credentials() != (voice.Credentials{}) {
		t.Error("credentials changed")
	}
}
