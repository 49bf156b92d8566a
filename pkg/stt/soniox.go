package stt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	sonioxURL = "wss://stt-rt.soniox.com/transcribe-websocket"

	// sonioxEndToken marks a detected endpoint in the token stream.
	sonioxEndToken = "<end>"
)

// soniox accumulates final tokens until an endpoint token arrives, then
// emits them as one final transcript. Only the reader goroutine calls parse.
type soniox struct {
	final strings.Builder
}

// NewSoniox creates a Soniox real-time transcription service.
func NewSoniox(opts ...Option) *Service {
	cfg := DefaultConfig()
	cfg.URL = sonioxURL
	cfg.Model = "stt-rt-v4"
	cfg.Apply(opts...)
	return newService(cfg, &soniox{})
}

func (*soniox) provider() string { return "soniox" }

func (*soniox) url(cfg *Config) (string, error) { return cfg.URL, nil }

func (*soniox) header(*Config) http.Header { return nil }

type sonioxConfig struct {
	APIKey                  string   `json:"api_key"`
	Model                   string   `json:"model"`
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate"`
	NumChannels             int      `json:"num_channels"`
	LanguageHints           []string `json:"language_hints,omitempty"`
	EnableEndpointDetection bool     `json:"enable_endpoint_detection"`
}

func (*soniox) handshake(conn *websocket.Conn, cfg *Config) error {
	var hints []string
	if cfg.Language != "" {
		hints = []string{cfg.Language}
	}
	return conn.WriteJSON(sonioxConfig{
		APIKey:                  cfg.APIKey,
		Model:                   cfg.Model,
		AudioFormat:             "pcm_s16le",
		SampleRate:              cfg.SampleRate,
		NumChannels:             1,
		LanguageHints:           hints,
		EnableEndpointDetection: true,
	})
}

type sonioxMessage struct {
	Tokens []struct {
		Text     string `json:"text"`
		IsFinal  bool   `json:"is_final"`
		Language string `json:"language"`
	} `json:"tokens"`
	Finished     bool   `json:"finished"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (s *soniox) parse(data []byte) ([]Result, error) {
	var msg sonioxMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("stt [soniox]: decode: %w", err)
	}
	if msg.ErrorCode != 0 {
		return nil, fmt.Errorf("stt [soniox]: error %d: %s", msg.ErrorCode, msg.ErrorMessage)
	}

	var out []Result
	var interim strings.Builder
	var lang string
	for _, tok := range msg.Tokens {
		if tok.Language != "" {
			lang = tok.Language
		}
		switch {
		case tok.Text == sonioxEndToken:
			out = append(out, s.flush(lang))
		case tok.IsFinal:
			s.final.WriteString(tok.Text)
		default:
			interim.WriteString(tok.Text)
		}
	}
	if msg.Finished {
		out = append(out, s.flush(lang))
	} else if interim.Len() > 0 {
		out = append(out, Result{Text: strings.TrimSpace(s.final.String() + interim.String()), Language: lang})
	}
	return out, nil
}

func (s *soniox) flush(lang string) Result {
	text := strings.TrimSpace(s.final.String())
	s.final.Reset()
	return Result{Text: text, Final: true, Language: lang}
}

// An empty text frame ends the Soniox stream.
func (*soniox) closeMessage() (int, []byte) {
	return websocket.TextMessage, []byte{}
}
