package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	providerCartesia   = "cartesia"
	cartesiaBaseURL    = "https://api.cartesia.ai"
	cartesiaAPIVersion = "2025-04-16"

	// streamChunk is 100ms of 24kHz mono PCM16.
	streamChunk = 4800
)

// Cartesia implements Provider using the Cartesia bytes endpoint, which
// streams raw PCM in the response body.
type Cartesia struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// NewCartesia creates a Cartesia provider. A missing API key is reported by
// the first request rather than here.
func NewCartesia(opts ...Option) (*Cartesia, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.VoiceID == "" {
		return nil, ErrNoVoiceID
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cartesia{
		config: cfg,
		client: client,
		logger: logger.With("component", "tts.cartesia"),
	}, nil
}

// Synthesize reads the whole response into memory.
func (c *Cartesia) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()
	resp, err := c.request(ctx, text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerCartesia, fmt.Errorf("read audio: %w", err))
	}

	format := c.Format()
	var dur time.Duration
	if bps := format.BytesPerSecond(); bps > 0 {
		dur = time.Duration(len(audio)) * time.Second / time.Duration(bps)
	}
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		Duration:  dur,
		CharCount: len(text),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Stream returns the response body as it arrives.
func (c *Cartesia) Stream(ctx context.Context, text string) (AudioStream, error) {
	resp, err := c.request(ctx, text)
	if err != nil {
		return nil, err
	}
	return &bodyStream{body: resp.Body, format: c.Format(), buf: make([]byte, streamChunk)}, nil
}

// Health checks the API key against the voices endpoint.
func (c *Cartesia) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/voices", nil)
	if err != nil {
		return WrapError(providerCartesia, err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return WrapError(providerCartesia, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Close releases idle connections.
func (c *Cartesia) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// VoiceID returns the configured voice.
func (c *Cartesia) VoiceID() string { return c.config.VoiceID }

// ModelID returns the configured model.
func (c *Cartesia) ModelID() string { return c.config.ModelID }

// Format returns the output format requested from the API.
func (c *Cartesia) Format() AudioFormat {
	f := pcmFormat(c.config.SampleRate)
	f.Encoding = c.config.OutputFormat
	if f.Encoding == EncodingPCMF32LE {
		f.BitDepth = 32
	}
	return f
}

func (c *Cartesia) request(ctx context.Context, text string) (*http.Response, error) {
	if err := c.config.Validate(); err != nil {
		return nil, WrapError(providerCartesia, err)
	}
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.config.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.config.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   string(c.config.OutputFormat),
			SampleRate: c.config.SampleRate,
		},
		Language: c.config.Language,
	})
	if err != nil {
		return nil, WrapError(providerCartesia, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/tts/bytes", bytes.NewReader(body))
		if err != nil {
			return nil, WrapError(providerCartesia, err)
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = WrapError(providerCartesia, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := c.parseError(resp)
		resp.Body.Close()
		if !apiErr.IsRetryable() {
			return nil, apiErr
		}
		c.logger.Warn("retrying request", "attempt", attempt+1, "status", resp.StatusCode)
		lastErr = apiErr
	}
	return nil, lastErr
}

func (c *Cartesia) setHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("Cartesia-Version", c.config.APIVersion)
}

func (c *Cartesia) parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Message != "" {
			message = errResp.Message
		} else if errResp.Error != "" {
			message = errResp.Error
		}
		code = errResp.Code
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerCartesia,
	}
}

// bodyStream reads PCM from an HTTP response body. Chunks keep sample
// alignment by carrying an odd trailing byte to the next read.
type bodyStream struct {
	body   io.ReadCloser
	format AudioFormat
	buf    []byte
	carry  []byte
	closed bool
}

func (s *bodyStream) Read() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	n, err := io.ReadFull(s.body, s.buf)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if len(s.carry) > 0 {
				out := s.carry
				s.carry = nil
				return out, nil
			}
			return nil, nil
		}
		if err != nil {
			return nil, WrapError(providerCartesia, err)
		}
	}

	data := append(s.carry, s.buf[:n]...)
	s.carry = nil
	if odd := len(data) % 2; odd != 0 && err == nil {
		s.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return data, WrapError(providerCartesia, err)
	}
	return data, nil
}

func (s *bodyStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func (s *bodyStream) Format() AudioFormat { return s.format }

var _ Provider = (*Cartesia)(nil)
