package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
)

const (
	geminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// GeminiLiveModel is the default Gemini Live model.
	GeminiLiveModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	// GeminiLiveVoice is the default Gemini Live voice.
	GeminiLiveVoice = "Charon"
)

// NewGeminiLive creates a Gemini Live service. The API key is only checked
// when the session connects.
func NewGeminiLive(opts ...Option) *Service {
	cfg := DefaultConfig()
	cfg.URL = geminiLiveURL
	cfg.Model = GeminiLiveModel
	cfg.Voice = GeminiLiveVoice
	cfg.Apply(opts...)
	return newService(cfg, &geminiLive{})
}

// geminiLive buffers the user's input transcription, which arrives in
// fragments, until the model starts answering.
type geminiLive struct {
	input strings.Builder
}

func (*geminiLive) provider() string { return "gemini_live" }

// Gemini Live rejects client content sent before setupComplete.
func (*geminiLive) awaitsReady() bool { return true }

func (*geminiLive) inputRate() int { return 16000 }

func (*geminiLive) url(cfg *Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("realtime [gemini]: url: %w", err)
	}
	q := u.Query()
	q.Set("key", cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (*geminiLive) header(*Config) http.Header { return nil }

func (*geminiLive) setup(cfg *Config) []any {
	setup := map[string]any{
		"model": cfg.Model,
		"generation_config": map[string]any{
			"response_modalities": []string{"AUDIO"},
			"speech_config": map[string]any{
				"voice_config": map[string]any{
					"prebuilt_voice_config": map[string]any{"voice_name": cfg.Voice},
				},
			},
		},
		"input_audio_transcription":  map[string]any{},
		"output_audio_transcription": map[string]any{},
	}
	if cfg.MaxOutputTokens > 0 {
		setup["generation_config"].(map[string]any)["max_output_tokens"] = cfg.MaxOutputTokens
	}
	if cfg.Instructions != "" {
		setup["system_instruction"] = map[string]any{
			"parts": []map[string]string{{"text": cfg.Instructions}},
		}
	}
	if len(cfg.Tools.StandardTools) > 0 {
		decls := make([]map[string]any, 0, len(cfg.Tools.StandardTools))
		for _, t := range cfg.Tools.StandardTools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters(),
			})
		}
		setup["tools"] = []map[string]any{{"function_declarations": decls}}
	}
	return []any{map[string]any{"setup": setup}}
}

func (*geminiLive) audio(pcm []byte) any {
	return map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []map[string]string{{
				"data":      base64.StdEncoding.EncodeToString(pcm),
				"mime_type": "audio/pcm;rate=16000",
			}},
		},
	}
}

// history sends the conversation as client turns. System messages are
// carried by the setup instruction instead.
func (*geminiLive) history(_ *Config, msgs []llmcontext.Message) []any {
	var turns []map[string]any
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		var role string
		switch m.Role {
		case llmcontext.RoleUser:
			role = "user"
		case llmcontext.RoleAssistant:
			role = "model"
		default:
			continue
		}
		turns = append(turns, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}
	if len(turns) == 0 {
		return nil
	}
	return []any{map[string]any{
		"client_content": map[string]any{
			"turns":         turns,
			"turn_complete": true,
		},
	}}
}

func (*geminiLive) functionResults(rs []functionResult) []any {
	responses := make([]map[string]any, 0, len(rs))
	for _, r := range rs {
		resp, ok := r.result.(map[string]any)
		if !ok {
			resp = map[string]any{"result": r.result}
		}
		responses = append(responses, map[string]any{
			"id":       r.call.ID,
			"name":     r.call.Name,
			"response": resp,
		})
	}
	return []any{map[string]any{
		"tool_response": map[string]any{"function_responses": responses},
	}}
}

type geminiLiveMessage struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		TurnComplete bool `json:"turnComplete"`
		Interrupted  bool `json:"interrupted"`
		ModelTurn    *struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"modelTurn"`
		InputTranscription *struct {
			Text string `json:"text"`
		} `json:"inputTranscription"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription"`
	} `json:"serverContent"`
	ToolCall *struct {
		FunctionCalls []struct {
			ID   string         `json:"id"`
			Name string         `json:"name"`
			Args map[string]any `json:"args"`
		} `json:"functionCalls"`
	} `json:"toolCall"`
	UsageMetadata *struct {
		PromptTokenCount   int `json:"promptTokenCount"`
		ResponseTokenCount int `json:"responseTokenCount"`
		TotalTokenCount    int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *geminiLive) parse(data []byte) ([]event, error) {
	var msg geminiLiveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("realtime [gemini]: decode: %w", err)
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("realtime [gemini]: %s: %s", msg.Error.Status, msg.Error.Message)
	}

	var events []event
	if msg.SetupComplete != nil {
		events = append(events, event{kind: eventReady})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			g.input.Reset()
			events = append(events, event{kind: eventInterrupted})
		}
		if t := sc.InputTranscription; t != nil {
			g.input.WriteString(t.Text)
		}
		if sc.ModelTurn != nil {
			events = g.flushInput(events)
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return events, fmt.Errorf("realtime [gemini]: audio: %w", err)
				}
				events = append(events, event{kind: eventAudio, audio: pcm})
			}
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			events = g.flushInput(events)
			events = append(events, event{kind: eventTranscript, text: t.Text})
		}
		if sc.TurnComplete {
			events = g.flushInput(events)
			done := event{kind: eventResponseDone}
			if u := msg.UsageMetadata; u != nil {
				done.usage = &frames.LLMUsage{
					PromptTokens:     u.PromptTokenCount,
					CompletionTokens: u.ResponseTokenCount,
					TotalTokens:      u.TotalTokenCount,
				}
			}
			events = append(events, done)
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]functionCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, functionCall{ID: fc.ID, Name: fc.Name, Arguments: args})
		}
		events = append(events, event{kind: eventFunctionCalls, calls: calls})
	}
	return events, nil
}

func (g *geminiLive) flushInput(events []event) []event {
	text := strings.TrimSpace(g.input.String())
	g.input.Reset()
	if text == "" {
		return events
	}
	return append(events, event{kind: eventUserTranscript, text: text})
}
