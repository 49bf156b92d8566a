package rtvi

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recorder) SendMessage(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, v.(Message))
	return r.err
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) last() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func push(o *Observer, f frames.Frame, dir pipeline.Direction) {
	o.OnPushFrame(pipeline.PushEvent{Source: "a", Destination: "b", Frame: f, Direction: dir, Timestamp: time.Now()})
}

func TestFrameReportedOnce(t *testing.T) {
	rec := &recorder{}
	o := NewObserver(rec)
	f := &frames.TranscriptionFrame{Text: "hello", UserID: "u1"}
	push(o, f, pipeline.Downstream)
	push(o, f, pipeline.Downstream)
	push(o, f, pipeline.Downstream)

	if got := rec.types(); len(got) != 1 || got[0] != TypeUserTranscription {
		t.Fatalf("types = %v", got)
	}
	data, ok := rec.last().Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", rec.last().Data)
	}
	if data["text"] != "hello" || data["user_id"] != "u1" || data["final"] != true {
		t.Errorf("data = %v", data)
	}
}

func TestMetricsPayload(t *testing.T) {
	rec := &recorder{}
	o := NewObserver(rec)
	push(o, &frames.MetricsFrame{Data: []frames.MetricsData{
		{Kind: frames.MetricTTFB, Processor: "llm", Model: "gpt-4.1", Value: 250 * time.Millisecond},
		{Kind: frames.MetricLLMUsage, Processor: "llm", Model: "gpt-4.1", Usage: &frames.LLMUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		{Kind: frames.MetricTTSUsage, Processor: "tts", Model: "sonic-3", Characters: 42},
	}}, pipeline.Downstream)

	msg := rec.last()
	if msg.Type != TypeMetrics {
		t.Fatalf("type = %q", msg.Type)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"ttfb"`, `"llm_usage"`, `"characters"`, `"prompt_tokens":10`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("missing %s in %s", key, b)
		}
	}
	if strings.Contains(string(b), "processing") {
		t.Errorf("empty kinds should be omitted: %s", b)
	}

	var decoded struct {
		Data Metrics `json:"data"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	data := decoded.Data
	if len(data.TTFB) != 1 || data.TTFB[0].Value != 0.25 {
		t.Errorf("ttfb = %v", data.TTFB)
	}
	if len(data.LLMUsage) != 1 || data.LLMUsage[0].Value.TotalTokens != 15 {
		t.Errorf("llm_usage = %v", data.LLMUsage)
	}
	if len(data.Characters) != 1 || data.Characters[0].Value != 42 {
		t.Errorf("characters = %v", data.Characters)
	}
	if data.Processing != nil {
		t.Error("unexpected processing entry")
	}
}

func TestSendErrorsAreNotFatal(t *testing.T) {
	rec := &recorder{err: errors.New("no channel")}
	var hooked []string
	o := NewObserver(rec, WithMessageHook(func(m Message) { hooked = append(hooked, m.Type) }))
	push(o, &frames.TTSTextFrame{Text: "hi"}, pipeline.Downstream)
	push(o, &frames.LLMFullResponseEndFrame{}, pipeline.Downstream)

	if len(hooked) != 2 || hooked[0] != TypeBotOutput || hooked[1] != TypeBotLLMStopped {
		t.Errorf("hooked = %v", hooked)
	}
}

func TestFunctionCallReportLevels(t *testing.T) {
	args := map[string]any{"url": "http://x"}
	tests := []struct {
		name   string
		levels map[string]ReportLevel
		want   []string
		absent []string
	}{
		{"default none", nil, []string{"tool_call_id"}, []string{"function_name", "arguments", "result"}},
		{"wildcard name", map[string]ReportLevel{"*": ReportName}, []string{"tool_call_id", "function_name"}, []string{"arguments", "result"}},
		{"wildcard full", map[string]ReportLevel{"*": ReportFull}, []string{"tool_call_id", "function_name", "arguments", "result"}, nil},
		{"per function wins", map[string]ReportLevel{"*": ReportFull, "show_picture": ReportNone}, []string{"tool_call_id"}, []string{"function_name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			o := NewObserver(rec, WithFunctionCallReportLevel(tt.levels))
			push(o, &frames.FunctionCallResultFrame{
				FunctionName: "show_picture",
				ToolCallID:   "call-1",
				Arguments:    args,
				Result:       map[string]any{"status": "displayed"},
			}, pipeline.Downstream)

			msg := rec.last()
			if msg.Type != TypeFunctionCallResult {
				t.Fatalf("type = %q", msg.Type)
			}
			data := msg.Data.(map[string]any)
			for _, k := range tt.want {
				if _, ok := data[k]; !ok {
					t.Errorf("missing %q in %v", k, data)
				}
			}
			for _, k := range tt.absent {
				if _, ok := data[k]; ok {
					t.Errorf("unexpected %q in %v", k, data)
				}
			}
		})
	}
}

func TestClientReadyAnswersBotReady(t *testing.T) {
	rec := &recorder{}
	o := NewObserver(rec)
	push(o, &frames.ClientMessageFrame{Type: "client-ready"}, pipeline.Downstream)
	push(o, &frames.ClientMessageFrame{Type: "something-else"}, pipeline.Downstream)

	if got := rec.types(); len(got) != 1 || got[0] != TypeBotReady {
		t.Fatalf("types = %v", got)
	}
	if v := rec.last().Data.(map[string]any)["version"]; v != Version {
		t.Errorf("version = %v", v)
	}
}

func TestBotSpeakingReportedDownstreamOnly(t *testing.T) {
	rec := &recorder{}
	o := NewObserver(rec)
	push(o, &frames.BotStartedSpeakingFrame{}, pipeline.Upstream)
	push(o, &frames.BotStartedSpeakingFrame{}, pipeline.Downstream)
	push(o, &frames.OutputAudioRawFrame{Audio: make([]byte, 10)}, pipeline.Downstream)

	if got := rec.types(); len(got) != 1 || got[0] != TypeBotStartedSpeaking {
		t.Errorf("types = %v", got)
	}
}
