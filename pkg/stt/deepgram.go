package stt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
)

const deepgramURL = "wss://api.deepgram.com/v1/listen"

type deepgram struct{}

// NewDeepgram creates a Deepgram live transcription service.
func NewDeepgram(opts ...Option) *Service {
	cfg := DefaultConfig()
	cfg.URL = deepgramURL
	cfg.Model = "nova-3-general"
	cfg.Apply(opts...)
	return newService(cfg, deepgram{})
}

func (deepgram) provider() string { return "deepgram" }

func (deepgram) url(cfg *Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("stt [deepgram]: url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("profanity_filter", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (deepgram) header(cfg *Config) http.Header {
	return http.Header{"Authorization": []string{"Token " + cfg.APIKey}}
}

func (deepgram) handshake(*websocket.Conn, *Config) error { return nil }

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
	// Error responses
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

func (deepgram) parse(data []byte) ([]Result, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("stt [deepgram]: decode: %w", err)
	}
	if msg.ErrCode != "" || msg.Type == "Error" {
		return nil, fmt.Errorf("stt [deepgram]: %s: %s", msg.ErrCode, msg.ErrMsg)
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return nil, nil
	}
	alt := msg.Channel.Alternatives[0]
	r := Result{Text: alt.Transcript, Final: msg.IsFinal}
	if len(alt.Languages) > 0 {
		r.Language = alt.Languages[0]
	}
	return []Result{r}, nil
}

func (deepgram) closeMessage() (int, []byte) {
	return websocket.TextMessage, []byte(`{"type":"CloseStream"}`)
}
