package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
)

const (
	openAIURL = "wss://api.openai.com/v1/realtime"

	// OpenAIModel is the default OpenAI Realtime model.
	OpenAIModel = "gpt-4o-realtime-preview"
	// OpenAIVoice is the default OpenAI Realtime voice.
	OpenAIVoice = "alloy"
)

// NewOpenAI creates an OpenAI Realtime service. The API key is only checked
// when the session connects.
func NewOpenAI(opts ...Option) *Service {
	cfg := DefaultConfig()
	cfg.URL = openAIURL
	cfg.Model = OpenAIModel
	cfg.Voice = OpenAIVoice
	cfg.Speed = 1.0
	cfg.MaxOutputTokens = 4096
	cfg.TranscriptionModel = "gpt-4o-transcribe"
	cfg.VADEagerness = "medium"
	cfg.Apply(opts...)
	return newService(cfg, &openAI{})
}

// openAI tracks function calls announced during a response; the model
// expects all of their outputs once the response is done.
type openAI struct {
	pending []functionCall
}

func (*openAI) provider() string { return "openai_realtime" }

// OpenAI Realtime queues events sent before session.created.
func (*openAI) awaitsReady() bool { return false }

func (*openAI) inputRate() int { return 24000 }

func (*openAI) url(cfg *Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("realtime [openai]: url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (*openAI) header(cfg *Config) http.Header {
	return http.Header{
		"Authorization": []string{"Bearer " + cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
}

func (*openAI) setup(cfg *Config) []any {
	fns := make([]map[string]any, 0, len(cfg.Tools.StandardTools))
	for _, t := range cfg.Tools.StandardTools {
		fns = append(fns, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters(),
		})
	}
	session := map[string]any{
		"modalities":          []string{"audio", "text"},
		"instructions":        cfg.Instructions,
		"voice":               cfg.Voice,
		"speed":               cfg.Speed,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"input_audio_transcription": map[string]any{
			"model": cfg.TranscriptionModel,
		},
		"turn_detection": map[string]any{
			"type":      "semantic_vad",
			"eagerness": cfg.VADEagerness,
		},
		"tools":                      fns,
		"tool_choice":                "auto",
		"max_response_output_tokens": cfg.MaxOutputTokens,
	}
	return []any{map[string]any{"type": "session.update", "session": session}}
}

func (*openAI) audio(pcm []byte) any {
	return map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	}
}

func (*openAI) history(cfg *Config, msgs []llmcontext.Message) []any {
	var out []any
	for _, m := range msgs {
		var content map[string]any
		switch m.Role {
		case llmcontext.RoleSystem:
			if cfg.Instructions == "" && m.Content != "" {
				out = append(out, map[string]any{
					"type":    "session.update",
					"session": map[string]any{"instructions": m.Content},
				})
			}
			continue
		case llmcontext.RoleUser:
			content = map[string]any{"type": "input_text", "text": m.Content}
		case llmcontext.RoleAssistant:
			if m.Content == "" {
				continue
			}
			content = map[string]any{"type": "text", "text": m.Content}
		default:
			continue
		}
		out = append(out, map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "message",
				"role":    m.Role,
				"content": []any{content},
			},
		})
	}
	return append(out, map[string]any{"type": "response.create"})
}

func (*openAI) functionResults(rs []functionResult) []any {
	out := make([]any, 0, len(rs)+1)
	for _, r := range rs {
		output, err := json.Marshal(r.result)
		if err != nil {
			output = []byte(fmt.Sprintf("%q", fmt.Sprint(r.result)))
		}
		out = append(out, map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "function_call_output",
				"call_id": r.call.ID,
				"output":  string(output),
			},
		})
	}
	return append(out, map[string]any{"type": "response.create"})
}

type openAIEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Response   struct {
		Status string `json:"status"`
		Usage  *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (o *openAI) parse(data []byte) ([]event, error) {
	var msg openAIEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("realtime [openai]: decode: %w", err)
	}

	switch msg.Type {
	case "session.created":
		return []event{{kind: eventReady}}, nil
	case "input_audio_buffer.speech_started":
		return []event{{kind: eventSpeechStarted}}, nil
	case "input_audio_buffer.speech_stopped":
		return []event{{kind: eventSpeechStopped}}, nil
	case "conversation.item.input_audio_transcription.completed":
		return []event{{kind: eventUserTranscript, text: msg.Transcript}}, nil
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("realtime [openai]: audio: %w", err)
		}
		return []event{{kind: eventAudio, audio: pcm}}, nil
	case "response.audio_transcript.delta":
		return []event{{kind: eventTranscript, text: msg.Delta}}, nil
	case "response.function_call_arguments.done":
		o.pending = append(o.pending, functionCall{
			ID:        msg.CallID,
			Name:      msg.Name,
			Arguments: decodeArgs(msg.Arguments),
		})
		return nil, nil
	case "response.done":
		done := event{kind: eventResponseDone}
		if u := msg.Response.Usage; u != nil {
			done.usage = &frames.LLMUsage{
				PromptTokens:     u.InputTokens,
				CompletionTokens: u.OutputTokens,
				TotalTokens:      u.TotalTokens,
			}
		}
		events := []event{done}
		if len(o.pending) > 0 {
			events = append(events, event{kind: eventFunctionCalls, calls: o.pending})
			o.pending = nil
		}
		return events, nil
	case "error":
		if msg.Error == nil {
			return nil, fmt.Errorf("realtime [openai]: unknown error")
		}
		return nil, fmt.Errorf("realtime [openai]: %s: %s", msg.Error.Code, msg.Error.Message)
	}
	return nil, nil
}
