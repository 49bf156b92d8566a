package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline/pipelinetest"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

func TestConnectRequiresAPIKey(t *testing.T) {
	for name, svc := range map[string]*Service{
		"openai_realtime": NewOpenAI(),
		"gemini_live":     NewGeminiLive(),
	} {
		t.Run(name, func(t *testing.T) {
			if svc.Provider() != name {
				t.Errorf("Provider = %q", svc.Provider())
			}
			if err := svc.connect(context.Background()); !errors.Is(err, ErrNoAPIKey) {
				t.Errorf("connect err = %v, want ErrNoAPIKey", err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	o := NewOpenAI()
	if o.Model() != OpenAIModel || o.Voice() != "alloy" {
		t.Errorf("openai = %s %s", o.Model(), o.Voice())
	}
	g := NewGeminiLive(WithVoice("Puck"))
	if g.Model() != GeminiLiveModel || g.Voice() != "Puck" {
		t.Errorf("gemini = %s %s", g.Model(), g.Voice())
	}
}

func TestOpenAISetup(t *testing.T) {
	svc := NewOpenAI(WithInstructions("be nice"), WithTools(tools.SandboxTools()))
	msgs := (&openAI{}).setup(svc.cfg)
	raw, _ := json.Marshal(msgs[0])
	var got struct {
		Type    string `json:"type"`
		Session struct {
			Instructions       string  `json:"instructions"`
			Voice              string  `json:"voice"`
			Speed              float64 `json:"speed"`
			InputAudioFormat   string  `json:"input_audio_format"`
			InputTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
			TurnDetection struct {
				Type      string `json:"type"`
				Eagerness string `json:"eagerness"`
			} `json:"turn_detection"`
			Tools     []map[string]any `json:"tools"`
			MaxTokens int              `json:"max_response_output_tokens"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	s := got.Session
	if got.Type != "session.update" || s.Instructions != "be nice" || s.Voice != "alloy" || s.Speed != 1.0 {
		t.Errorf("session = %+v", got)
	}
	if s.InputAudioFormat != "pcm16" || s.InputTranscription.Model != "gpt-4o-transcribe" {
		t.Errorf("audio settings = %+v", s)
	}
	if s.TurnDetection.Type != "semantic_vad" || s.TurnDetection.Eagerness != "medium" {
		t.Errorf("turn detection = %+v", s.TurnDetection)
	}
	if len(s.Tools) != 2 || s.Tools[0]["name"] != "show_picture" || s.Tools[0]["type"] != "function" {
		t.Errorf("tools = %v", s.Tools)
	}
	if s.MaxTokens != 4096 {
		t.Errorf("max tokens = %d", s.MaxTokens)
	}
}

func TestOpenAIHistory(t *testing.T) {
	cfg := DefaultConfig()
	msgs := (&openAI{}).history(cfg, []llmcontext.Message{
		llmcontext.System("sys"),
		llmcontext.User("Say hello."),
	})
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want instructions, item, response.create", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["type"] != "session.update" {
		t.Errorf("first = %v", first)
	}
	item := msgs[1].(map[string]any)["item"].(map[string]any)
	if item["role"] != "user" {
		t.Errorf("item = %v", item)
	}
	if last := msgs[2].(map[string]any); last["type"] != "response.create" {
		t.Errorf("last = %v", last)
	}

	cfg.Instructions = "set"
	if msgs := (&openAI{}).history(cfg, []llmcontext.Message{llmcontext.System("sys")}); len(msgs) != 1 {
		t.Errorf("system message should not override instructions: %v", msgs)
	}
}

func TestOpenAIParse(t *testing.T) {
	o := &openAI{}
	pcm := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})

	tests := []struct {
		name    string
		msg     string
		want    []eventKind
		wantErr bool
	}{
		{"created", `{"type":"session.created"}`, []eventKind{eventReady}, false},
		{"speech started", `{"type":"input_audio_buffer.speech_started"}`, []eventKind{eventSpeechStarted}, false},
		{"speech stopped", `{"type":"input_audio_buffer.speech_stopped"}`, []eventKind{eventSpeechStopped}, false},
		{"transcript", `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`, []eventKind{eventUserTranscript}, false},
		{"audio", `{"type":"response.audio.delta","delta":"` + pcm + `"}`, []eventKind{eventAudio}, false},
		{"text", `{"type":"response.audio_transcript.delta","delta":"Hel"}`, []eventKind{eventTranscript}, false},
		{"call", `{"type":"response.function_call_arguments.done","call_id":"c1","name":"show_text","arguments":"{\"text\":\"x\"}"}`, nil, false},
		{"done with call", `{"type":"response.done","response":{"usage":{"input_tokens":3,"output_tokens":4,"total_tokens":7}}}`, []eventKind{eventResponseDone, eventFunctionCalls}, false},
		{"done again", `{"type":"response.done","response":{}}`, []eventKind{eventResponseDone}, false},
		{"ignored", `{"type":"rate_limits.updated"}`, nil, false},
		{"error", `{"type":"error","error":{"code":"invalid_api_key","message":"bad"}}`, nil, true},
		{"garbage", `{`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := o.parse([]byte(tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(events) != len(tt.want) {
				t.Fatalf("events = %+v, want %v", events, tt.want)
			}
			for i, k := range tt.want {
				if events[i].kind != k {
					t.Errorf("event %d = %v, want %v", i, events[i].kind, k)
				}
			}
			if tt.name == "done with call" {
				if u := events[0].usage; u == nil || u.TotalTokens != 7 {
					t.Errorf("usage = %+v", u)
				}
				c := events[1].calls[0]
				if c.ID != "c1" || c.Name != "show_text" || c.Arguments["text"] != "x" {
					t.Errorf("call = %+v", c)
				}
			}
			if tt.name == "audio" && len(events[0].audio) != 4 {
				t.Errorf("audio = %v", events[0].audio)
			}
		})
	}
}

func TestGeminiSetup(t *testing.T) {
	svc := NewGeminiLive(WithAPIKey("gk"), WithInstructions("be nice"), WithTools(tools.SandboxTools()))
	u, err := (&geminiLive{}).url(svc.cfg)
	if err != nil || !strings.Contains(u, "key=gk") || !strings.HasPrefix(u, "wss://generativelanguage.googleapis.com/") {
		t.Errorf("url = %s, %v", u, err)
	}

	raw, _ := json.Marshal((&geminiLive{}).setup(svc.cfg)[0])
	var got struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				Modalities   []string `json:"response_modalities"`
				SpeechConfig struct {
					VoiceConfig struct {
						Prebuilt struct {
							VoiceName string `json:"voice_name"`
						} `json:"prebuilt_voice_config"`
					} `json:"voice_config"`
				} `json:"speech_config"`
			} `json:"generation_config"`
			SystemInstruction struct {
				Parts []struct{ Text string } `json:"parts"`
			} `json:"system_instruction"`
			Tools []struct {
				Decls []struct{ Name string } `json:"function_declarations"`
			} `json:"tools"`
		} `json:"setup"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	s := got.Setup
	if s.Model != GeminiLiveModel || s.GenerationConfig.SpeechConfig.VoiceConfig.Prebuilt.VoiceName != "Charon" {
		t.Errorf("setup = %+v", s)
	}
	if len(s.GenerationConfig.Modalities) != 1 || s.GenerationConfig.Modalities[0] != "AUDIO" {
		t.Errorf("modalities = %v", s.GenerationConfig.Modalities)
	}
	if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "be nice" {
		t.Errorf("system instruction = %+v", s.SystemInstruction)
	}
	if len(s.Tools) != 1 || len(s.Tools[0].Decls) != 2 {
		t.Errorf("tools = %+v", s.Tools)
	}
}

func TestGeminiParse(t *testing.T) {
	g := &geminiLive{}
	pcm := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})

	kinds := func(msg string) []eventKind {
		t.Helper()
		events, err := g.parse([]byte(msg))
		if err != nil {
			t.Fatalf("parse %s: %v", msg, err)
		}
		out := make([]eventKind, len(events))
		for i, e := range events {
			out[i] = e.kind
		}
		return out
	}
	equal := func(got, want []eventKind) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	if got := kinds(`{"setupComplete":{}}`); !equal(got, []eventKind{eventReady}) {
		t.Errorf("setupComplete = %v", got)
	}
	if got := kinds(`{"serverContent":{"inputTranscription":{"text":"show me "}}}`); len(got) != 0 {
		t.Errorf("partial input = %v", got)
	}
	kinds(`{"serverContent":{"inputTranscription":{"text":"a cat"}}}`)

	events, err := g.parse([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + pcm + `"}}]}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].kind != eventUserTranscript || events[0].text != "show me a cat" {
		t.Fatalf("events = %+v", events)
	}
	if events[1].kind != eventAudio || len(events[1].audio) != 4 {
		t.Errorf("audio event = %+v", events[1])
	}

	if got := kinds(`{"serverContent":{"outputTranscription":{"text":"Here"}}}`); !equal(got, []eventKind{eventTranscript}) {
		t.Errorf("output transcription = %v", got)
	}

	events, _ = g.parse([]byte(`{"serverContent":{"turnComplete":true},"usageMetadata":{"promptTokenCount":5,"responseTokenCount":6,"totalTokenCount":11}}`))
	if len(events) != 1 || events[0].kind != eventResponseDone || events[0].usage.TotalTokens != 11 {
		t.Errorf("turnComplete = %+v", events)
	}

	if got := kinds(`{"serverContent":{"interrupted":true}}`); !equal(got, []eventKind{eventInterrupted}) {
		t.Errorf("interrupted = %v", got)
	}

	events, _ = g.parse([]byte(`{"toolCall":{"functionCalls":[{"id":"f1","name":"show_picture","args":{"url":"http://x"}}]}}`))
	if len(events) != 1 || events[0].kind != eventFunctionCalls || events[0].calls[0].Arguments["url"] != "http://x" {
		t.Errorf("toolCall = %+v", events)
	}

	if _, err := g.parse([]byte(`{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`)); err == nil {
		t.Error("expected error")
	}
}

func TestGeminiFunctionResults(t *testing.T) {
	msgs := (&geminiLive{}).functionResults([]functionResult{
		{call: functionCall{ID: "f1", Name: "show_text"}, result: map[string]any{"status": "displayed"}},
		{call: functionCall{ID: "f2", Name: "show_picture"}, result: "ok"},
	})
	resp := msgs[0].(map[string]any)["tool_response"].(map[string]any)["function_responses"].([]map[string]any)
	if len(resp) != 2 || resp[0]["id"] != "f1" {
		t.Fatalf("responses = %v", resp)
	}
	if wrapped := resp[1]["response"].(map[string]any); wrapped["result"] != "ok" {
		t.Errorf("wrapped = %v", wrapped)
	}
}

// fakeOpenAI answers the first response.create with audio, a transcript and
// a show_text call, then records the function output sent back.
type fakeOpenAI struct {
	mu      sync.Mutex
	header  http.Header
	session map[string]any
	audio   int
	outputs []map[string]any
	done    chan struct{}
}

func newFakeOpenAI(t *testing.T) (*fakeOpenAI, *httptest.Server) {
	f := &fakeOpenAI{done: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.header = r.Header.Clone()
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		send := func(v string) { conn.WriteMessage(websocket.TextMessage, []byte(v)) }
		send(`{"type":"session.created"}`)

		responses := 0
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["type"] {
			case "session.update":
				f.mu.Lock()
				if s, ok := msg["session"].(map[string]any); ok && f.session == nil {
					f.session = s
				}
				f.mu.Unlock()
			case "input_audio_buffer.append":
				f.mu.Lock()
				f.audio++
				f.mu.Unlock()
				send(`{"type":"input_audio_buffer.speech_started"}`)
				send(`{"type":"input_audio_buffer.speech_stopped"}`)
				send(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"show me a word"}`)
			case "conversation.item.create":
				item := msg["item"].(map[string]any)
				if item["type"] == "function_call_output" {
					f.mu.Lock()
					f.outputs = append(f.outputs, item)
					f.mu.Unlock()
				}
			case "response.create":
				responses++
				if responses == 1 {
					pcm := base64.StdEncoding.EncodeToString(make([]byte, 960))
					send(`{"type":"response.audio.delta","delta":"` + pcm + `"}`)
					send(`{"type":"response.audio_transcript.delta","delta":"Here you go."}`)
					send(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"show_text","arguments":"{\"text\":\"hello\"}"}`)
					send(`{"type":"response.done","response":{"usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`)
				} else {
					send(`{"type":"response.done","response":{}}`)
					close(f.done)
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestOpenAIServiceSession(t *testing.T) {
	fake, srv := newFakeOpenAI(t)
	svc := NewOpenAI(
		WithAPIKey("rt-key"),
		WithURL("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithInstructions("be nice"),
		WithTools(tools.SandboxTools()),
	)
	svc.RegisterFunction(tools.ShowTextName, tools.ShowText(nil))
	up := pipelinetest.NewCollector("up")
	sink := pipelinetest.NewCollector("sink")

	task := pipeline.NewTask(pipeline.New(up, svc, sink), pipeline.TaskParams{EnableMetrics: true, EnableUsageMetrics: true})
	task.QueueFrames(
		&frames.LLMContextFrame{Context: llmcontext.New([]llmcontext.Message{
			llmcontext.System("be nice"),
			llmcontext.User("Say hello."),
		}, tools.SandboxTools())},
		&frames.InputAudioRawFrame{Audio: make([]byte, 640), SampleRate: 16000, NumChannels: 1},
	)
	go func() {
		select {
		case <-fake.done:
		case <-time.After(4 * time.Second):
		}
		task.StopWhenDone()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if got := fake.header.Get("Authorization"); got != "Bearer rt-key" {
		t.Errorf("Authorization = %q", got)
	}
	if got := fake.header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if fake.session["instructions"] != "be nice" || fake.session["voice"] != "alloy" {
		t.Errorf("session = %v", fake.session)
	}
	if fake.audio != 1 {
		t.Errorf("audio messages = %d", fake.audio)
	}
	if len(fake.outputs) != 1 || fake.outputs[0]["call_id"] != "call_1" {
		t.Fatalf("function outputs = %v", fake.outputs)
	}
	var out map[string]any
	json.Unmarshal([]byte(fake.outputs[0]["output"].(string)), &out)
	if out["status"] != "displayed" || out["text"] != "hello" {
		t.Errorf("output = %v", out)
	}

	if sink.Count("InputAudioRawFrame", pipeline.Downstream) != 0 {
		t.Error("input audio should be consumed")
	}
	var audio *frames.OutputAudioRawFrame
	var spoken string
	var result *frames.FunctionCallResultFrame
	for _, ev := range sink.Events() {
		switch f := ev.Frame.(type) {
		case *frames.OutputAudioRawFrame:
			audio = f
		case *frames.TTSTextFrame:
			spoken += f.Text
		case *frames.FunctionCallResultFrame:
			result = f
		}
	}
	if audio == nil || audio.SampleRate != OutputSampleRate || len(audio.Audio) != 960 {
		t.Errorf("audio = %+v", audio)
	}
	if spoken != "Here you go." {
		t.Errorf("spoken = %q", spoken)
	}
	if result == nil || result.ToolCallID != "call_1" || result.RunLLM {
		t.Errorf("result = %+v", result)
	}
	for _, name := range []string{"UserStartedSpeakingFrame", "InterruptionFrame", "UserStoppedSpeakingFrame", "LLMFullResponseStartFrame", "TTSStartedFrame", "TTSStoppedFrame", "LLMFullResponseEndFrame", "FunctionCallInProgressFrame"} {
		if sink.Count(name, pipeline.Downstream) == 0 {
			t.Errorf("missing %s", name)
		}
	}
	if sink.Index("LLMFullResponseEndFrame") > sink.Index("FunctionCallInProgressFrame") {
		t.Error("function call dispatched before the response ended")
	}

	var transcript *frames.TranscriptionFrame
	for _, ev := range up.Events() {
		if tf, ok := ev.Frame.(*frames.TranscriptionFrame); ok && ev.Direction == pipeline.Upstream {
			transcript = tf
		}
	}
	if transcript == nil || transcript.Text != "show me a word" {
		t.Errorf("upstream transcript = %+v", transcript)
	}
}

func TestServiceWithoutServerReportsError(t *testing.T) {
	svc := NewGeminiLive(WithAPIKey("k"), WithURL("ws://127.0.0.1:1/live"))

	var mu sync.Mutex
	var errs []*frames.ErrorFrame
	obs := pipeline.ObserverFunc(func(ev pipeline.PushEvent) {
		if ef, ok := ev.Frame.(*frames.ErrorFrame); ok {
			mu.Lock()
			errs = append(errs, ef)
			mu.Unlock()
		}
	})
	task := pipeline.NewTask(pipeline.New(svc), pipeline.TaskParams{}, pipeline.WithObservers(obs))
	task.QueueFrame(&frames.InputAudioRawFrame{Audio: make([]byte, 320), SampleRate: 16000})
	task.StopWhenDone()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || errs[0].Fatal || errs[0].From != ServiceName {
		t.Errorf("errors = %+v", errs)
	}
}

// fakeGemini acknowledges setup after a delay and records which client
// messages arrived before the acknowledgement.
type fakeGemini struct {
	mu       sync.Mutex
	received []string
	early    []string
	complete bool
	done     chan struct{}
}

func (f *fakeGemini) record(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, kind)
	if !f.complete && kind != "setup" {
		f.early = append(f.early, kind)
	}
}

func newFakeGemini(t *testing.T, delay time.Duration) (*fakeGemini, *httptest.Server) {
	f := &fakeGemini{done: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var wmu sync.Mutex
		sawContent, sawAudio := false, false
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch {
			case msg["setup"] != nil:
				f.record("setup")
				go func() {
					time.Sleep(delay)
					f.mu.Lock()
					f.complete = true
					f.mu.Unlock()
					wmu.Lock()
					conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
					wmu.Unlock()
				}()
			case msg["client_content"] != nil:
				f.record("client_content")
				sawContent = true
			case msg["realtime_input"] != nil:
				f.record("realtime_input")
				sawAudio = true
			}
			if sawContent && sawAudio {
				sawContent = false
				close(f.done)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestGeminiWaitsForSetupComplete(t *testing.T) {
	fake, srv := newFakeGemini(t, 150*time.Millisecond)
	svc := NewGeminiLive(WithAPIKey("g-key"), WithURL("ws"+strings.TrimPrefix(srv.URL, "http")))

	task := pipeline.NewTask(pipeline.New(svc), pipeline.TaskParams{})
	task.QueueFrames(
		&frames.LLMContextFrame{Context: llmcontext.New([]llmcontext.Message{
			llmcontext.System("be nice"),
			llmcontext.User("Say hello."),
		}, tools.ToolsSchema{})},
		&frames.InputAudioRawFrame{Audio: make([]byte, 640), SampleRate: 16000, NumChannels: 1},
	)
	go func() {
		select {
		case <-fake.done:
		case <-time.After(4 * time.Second):
		}
		task.StopWhenDone()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.early) != 0 {
		t.Errorf("sent before setupComplete: %v", fake.early)
	}
	want := []string{"setup", "client_content", "realtime_input"}
	if len(fake.received) != len(want) {
		t.Fatalf("received = %v, want %v", fake.received, want)
	}
	for i := range want {
		if fake.received[i] != want[i] {
			t.Errorf("received = %v, want %v", fake.received, want)
			break
		}
	}
	if svc.Ready() {
		t.Error("Ready after disconnect")
	}
}

func TestPendingMessagesAreBounded(t *testing.T) {
	svc := NewGeminiLive(WithAPIKey("k"))
	svc.conn = &websocket.Conn{}
	for range maxPending {
		if err := svc.sendWhenReady(map[string]any{"realtime_input": nil}); err != nil {
			t.Fatalf("sendWhenReady: %v", err)
		}
	}
	if err := svc.sendWhenReady(map[string]any{"realtime_input": nil}); !errors.Is(err, ErrPendingFull) {
		t.Errorf("err = %v, want ErrPendingFull", err)
	}
	if len(svc.pending) != maxPending {
		t.Errorf("pending = %d", len(svc.pending))
	}
}
