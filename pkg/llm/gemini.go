package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
)

const providerGemini = "gemini"

// Gemini implements Provider for Google's generateContent API.
// It authenticates with an API key or, when none is set, an OAuth2
// token source such as application default credentials.
type Gemini struct {
	config *Config
	http   *http.Client
	stream *http.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini provider. Missing credentials are reported by
// the first request.
func NewGemini(opts ...Option) (*Gemini, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = GeminiBaseURL
	cfg.Model = "gemini-2.0-flash"
	cfg.Apply(opts...)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Gemini{
		config: cfg,
		http:   cfg.client(false),
		stream: cfg.client(true),
		logger: logger.With("component", "llm.gemini"),
	}, nil
}

// Model returns the default model.
func (g *Gemini) Model() string { return g.config.Model }

// Chat generates a complete response.
func (g *Gemini) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	model := g.model(req)

	resp, err := g.post(ctx, g.http, fmt.Sprintf("/models/%s:generateContent", model), g.buildPayload(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(providerGemini, fmt.Errorf("decode response: %w", err))
	}
	if len(result.Candidates) == 0 {
		return nil, WrapError(providerGemini, ErrNoChoices)
	}

	cand := result.Candidates[0]
	text, calls := cand.Content.split()
	return &ChatResponse{
		Message: llmcontext.Message{
			Role:      llmcontext.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		},
		FinishReason: strings.ToLower(cand.FinishReason),
		Usage:        result.UsageMetadata.usage(),
		Model:        model,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// Stream generates a response over server-sent events.
func (g *Gemini) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	path := fmt.Sprintf("/models/%s:streamGenerateContent?alt=sse", g.model(req))
	resp, err := g.post(ctx, g.stream, path, g.buildPayload(req))
	if err != nil {
		return nil, err
	}
	return &geminiStream{reader: bufio.NewReader(resp.Body), body: resp.Body}, nil
}

// Health lists models to verify credentials.
func (g *Gemini) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.BaseURL+"/models", nil)
	if err != nil {
		return WrapError(providerGemini, err)
	}
	if err := g.authorize(req); err != nil {
		return err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return WrapError(providerGemini, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return g.parseError(resp)
	}
	return nil
}

// Close releases resources.
func (g *Gemini) Close() error {
	g.http.CloseIdleConnections()
	g.stream.CloseIdleConnections()
	return nil
}

func (g *Gemini) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.config.Model
}

func (g *Gemini) authorize(req *http.Request) error {
	if err := g.config.Validate(); err != nil {
		return WrapError(providerGemini, err)
	}
	if g.config.APIKey != "" {
		req.Header.Set("x-goog-api-key", g.config.APIKey)
		return nil
	}
	tok, err := g.config.TokenSource.Token()
	if err != nil {
		return WrapError(providerGemini, fmt.Errorf("token: %w", err))
	}
	tok.SetAuthHeader(req)
	return nil
}

func (g *Gemini) buildPayload(req *ChatRequest) map[string]any {
	var system []string
	var contents []geminiContent
	for _, msg := range req.Messages {
		var c geminiContent
		switch msg.Role {
		case llmcontext.RoleSystem:
			system = append(system, msg.Content)
			continue
		case llmcontext.RoleAssistant:
			c.Role = "model"
			if msg.Content != "" {
				c.Parts = append(c.Parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				c.Parts = append(c.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
			}
		case llmcontext.RoleTool:
			c.Role = "user"
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			c.Parts = []geminiPart{{FunctionResponse: &geminiFunctionResponse{Name: msg.Name, Response: response}}}
		default:
			c.Role = "user"
			c.Parts = []geminiPart{{Text: msg.Content}}
		}
		if len(c.Parts) == 0 {
			continue
		}
		// Gemini expects alternating turns.
		if n := len(contents); n > 0 && contents[n-1].Role == c.Role {
			contents[n-1].Parts = append(contents[n-1].Parts, c.Parts...)
			continue
		}
		contents = append(contents, c)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.config.MaxTokens
	}
	genConfig := map[string]any{"maxOutputTokens": maxTokens}
	temp := req.Temperature
	if temp == 0 {
		temp = g.config.Temperature
	}
	if temp > 0 {
		genConfig["temperature"] = temp
	}

	payload := map[string]any{
		"contents":         contents,
		"generationConfig": genConfig,
	}
	if len(system) > 0 {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": strings.Join(system, "\n\n")}},
		}
	}
	if len(req.Tools.StandardTools) > 0 {
		decls := make([]map[string]any, len(req.Tools.StandardTools))
		for i, t := range req.Tools.StandardTools {
			decls[i] = map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters(),
			}
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return payload
}

func (g *Gemini) post(ctx context.Context, client *http.Client, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerGemini, err)
	}

	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, WrapError(providerGemini, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := g.authorize(req); err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = WrapError(providerGemini, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := g.parseError(resp)
		resp.Body.Close()
		if !apiErr.IsRetryable() {
			return nil, apiErr
		}
		lastErr = apiErr
		g.logger.Warn("retrying request", "attempt", attempt+1, "status", apiErr.StatusCode)
	}
	return nil, lastErr
}

func (g *Gemini) parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message, Code: code, Provider: providerGemini}
}

// geminiStream reads streamGenerateContent events. Function calls arrive
// whole, so they are collected and released with the final chunk.
type geminiStream struct {
	reader *bufio.Reader
	body   io.ReadCloser

	calls  []llmcontext.ToolCall
	usage  *Usage
	finish string
	done   bool
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return &StreamChunk{Done: true}, nil
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			s.done = true
			return &StreamChunk{ToolCalls: s.calls, FinishReason: s.finish, Usage: s.usage, Done: true}, nil
		}
		if err != nil && err != io.EOF {
			return nil, WrapError(providerGemini, fmt.Errorf("read stream: %w", err))
		}

		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}
		var event geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			continue
		}
		if event.Error != nil {
			return nil, &APIError{StatusCode: event.Error.Code, Message: event.Error.Message, Provider: providerGemini}
		}
		if event.UsageMetadata != nil {
			u := event.UsageMetadata.usage()
			s.usage = &u
		}
		if len(event.Candidates) == 0 {
			continue
		}

		cand := event.Candidates[0]
		if cand.FinishReason != "" {
			s.finish = strings.ToLower(cand.FinishReason)
		}
		text, calls := cand.Content.split()
		s.calls = append(s.calls, calls...)
		if text != "" {
			return &StreamChunk{Delta: text}, nil
		}
	}
}

func (s *geminiStream) Close() error {
	return s.body.Close()
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// split returns the concatenated text and any function calls. Gemini does
// not assign call IDs, so one is generated per call.
func (c geminiContent) split() (string, []llmcontext.ToolCall) {
	var text strings.Builder
	var calls []llmcontext.ToolCall
	for _, p := range c.Parts {
		text.WriteString(p.Text)
		if p.FunctionCall != nil {
			args, _ := json.Marshal(p.FunctionCall.Args)
			if p.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			calls = append(calls, llmcontext.ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      p.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	return text.String(), calls
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *geminiUsage) usage() Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{PromptTokens: u.PromptTokenCount, CompletionTokens: u.CandidatesTokenCount, TotalTokens: u.TotalTokenCount}
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ Provider = (*Gemini)(nil)
