package stt

import (
	"context"
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
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline/pipelinetest"
)

func TestConnectRequiresAPIKey(t *testing.T) {
	for name, svc := range map[string]*Service{
		"deepgram": NewDeepgram(),
		"soniox":   NewSoniox(),
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

func TestDeepgramURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = deepgramURL
	cfg.Model = "nova-3-general"

	raw, err := deepgram{}.url(cfg)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	for _, want := range []string{"model=nova-3-general", "interim_results=true", "sample_rate=16000", "encoding=linear16", "language=en"} {
		if !strings.Contains(raw, want) {
			t.Errorf("url %q missing %q", raw, want)
		}
	}
}

func TestDeepgramParse(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		want    []Result
		wantErr bool
	}{
		{
			name: "final",
			msg:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there"}]}}`,
			want: []Result{{Text: "hello there", Final: true}},
		},
		{
			name: "interim",
			msg:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`,
			want: []Result{{Text: "hel"}},
		},
		{name: "metadata", msg: `{"type":"Metadata","request_id":"x"}`},
		{name: "error", msg: `{"err_code":"INVALID_AUTH","err_msg":"bad key"}`, wantErr: true},
		{name: "garbage", msg: `not json`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := deepgram{}.parse([]byte(tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("result %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSonioxParseAccumulatesUntilEndpoint(t *testing.T) {
	s := &soniox{}

	got, err := s.parse([]byte(`{"tokens":[{"text":"Hel","is_final":true},{"text":"lo","is_final":false}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 || got[0].Final || got[0].Text != "Hello" {
		t.Fatalf("interim = %+v", got)
	}

	got, _ = s.parse([]byte(`{"tokens":[{"text":"lo world","is_final":true,"language":"en"},{"text":"<end>","is_final":true}]}`))
	if len(got) != 1 || !got[0].Final || got[0].Text != "Hello world" || got[0].Language != "en" {
		t.Fatalf("final = %+v", got)
	}

	if _, err := s.parse([]byte(`{"error_code":401,"error_message":"bad key"}`)); err == nil {
		t.Error("expected error message to fail")
	}
}

// fakeDeepgram answers every audio message with one interim and one final
// result and closes the socket on CloseStream.
func fakeDeepgram(t *testing.T) (*httptest.Server, func() (int, http.Header)) {
	t.Helper()
	var mu sync.Mutex
	var audioMsgs int
	var header http.Header

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Clone()
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage {
				var ctl struct{ Type string }
				json.Unmarshal(data, &ctl)
				if ctl.Type == "CloseStream" {
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				continue
			}
			mu.Lock()
			audioMsgs++
			n := audioMsgs
			mu.Unlock()
			if n == 1 {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"show me"}]}}`))
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"show me a cat"}]}}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() (int, http.Header) {
		mu.Lock()
		defer mu.Unlock()
		return audioMsgs, header
	}
}

func TestServiceStreamsAudioAndPushesTranscripts(t *testing.T) {
	srv, stats := fakeDeepgram(t)
	svc := NewDeepgram(WithAPIKey("dg-key"), WithURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	sink := pipelinetest.NewCollector("sink")

	pipelinetest.Run(t, pipeline.TaskParams{}, []pipeline.Processor{svc, sink},
		&frames.InputAudioRawFrame{Audio: make([]byte, 640), SampleRate: 16000, NumChannels: 1},
		&frames.InputAudioRawFrame{Audio: make([]byte, 640), SampleRate: 16000, NumChannels: 1},
	)

	n, header := stats()
	if n != 2 {
		t.Errorf("server got %d audio messages, want 2", n)
	}
	if got := header.Get("Authorization"); got != "Token dg-key" {
		t.Errorf("Authorization = %q", got)
	}
	if c := sink.Count("InputAudioRawFrame", pipeline.Downstream); c != 2 {
		t.Errorf("audio forwarded %d times", c)
	}
	if c := sink.Count("InterimTranscriptionFrame", pipeline.Downstream); c != 1 {
		t.Errorf("interim count = %d", c)
	}

	var final *frames.TranscriptionFrame
	for _, ev := range sink.Events() {
		if tf, ok := ev.Frame.(*frames.TranscriptionFrame); ok {
			final = tf
		}
	}
	if final == nil || final.Text != "show me a cat" || final.Language != "en" {
		t.Fatalf("final transcript = %+v", final)
	}
	if sink.Index("TranscriptionFrame") > sink.Index("EndFrame") {
		t.Error("transcript arrived after EndFrame")
	}
}

func TestServiceWithoutServerReportsError(t *testing.T) {
	svc := NewDeepgram(WithAPIKey("k"), WithURL("ws://127.0.0.1:1/listen"))

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
