package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
)

const (
	providerOpenAI = "openai"
	providerGrok   = "grok"
)

// Client talks to any OpenAI-compatible chat completions API.
type Client struct {
	name    string
	baseURL string
	config  *Config
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// NewClient creates an OpenAI chat completions client. A missing API key
// is reported by the first request.
func NewClient(opts ...Option) (*Client, error) {
	return newClient(providerOpenAI, DefaultConfig(), opts)
}

// NewGrok creates a client for the xAI API, which speaks the OpenAI protocol.
func NewGrok(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = GrokBaseURL
	cfg.Model = "grok-3-beta"
	return newClient(providerGrok, cfg, opts)
}

func newClient(name string, cfg *Config, opts []Option) (*Client, error) {
	cfg.Apply(opts...)
	if cfg.BaseURL == "" {
		return nil, WrapError(name, errors.New("base URL required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		config:  cfg,
		http:    cfg.client(false),
		stream:  cfg.client(true),
		logger:  logger.With("component", "llm."+name),
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// Model returns the default model.
func (c *Client) Model() string { return c.config.Model }

// Chat generates a chat completion.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, c.http, "/chat/completions", c.buildChatPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(c.name, fmt.Errorf("decode response: %w", err))
	}
	if len(result.Choices) == 0 {
		return nil, WrapError(c.name, ErrNoChoices)
	}

	choice := result.Choices[0]
	return &ChatResponse{
		Message: llmcontext.Message{
			Role:      llmcontext.RoleAssistant,
			Content:   choice.Message.Content,
			ToolCalls: parseToolCalls(choice.Message.ToolCalls),
		},
		FinishReason: choice.FinishReason,
		Usage:        result.Usage.usage(),
		Model:        result.Model,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// Health checks API connectivity.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return WrapError(c.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return WrapError(c.name, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Close releases resources.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	c.stream.CloseIdleConnections()
	return nil
}

func (c *Client) buildChatPayload(req *ChatRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	messages := make([]map[string]any, len(req.Messages))
	for i, msg := range req.Messages {
		m := map[string]any{
			"role":    msg.Role,
			"content": msg.Content,
		}
		if msg.Name != "" && msg.Role == llmcontext.RoleTool {
			m["name"] = msg.Name
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				calls[j] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]string{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				}
			}
			m["tool_calls"] = calls
			if msg.Content == "" {
				m["content"] = nil
			}
		}
		messages[i] = m
	}

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]bool{"include_usage": true}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	temp := req.Temperature
	if temp == 0 {
		temp = c.config.Temperature
	}
	if temp > 0 {
		payload["temperature"] = temp
	}

	if len(req.Tools.StandardTools) > 0 {
		fns := make([]map[string]any, len(req.Tools.StandardTools))
		for i, t := range req.Tools.StandardTools {
			fns[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters(),
				},
			}
		}
		payload["tools"] = fns
		if req.ToolChoice != "" {
			payload["tool_choice"] = req.ToolChoice
		}
	}
	return payload
}

// post sends payload and returns a 200 response, retrying 429 and 5xx.
func (c *Client) post(ctx context.Context, client *http.Client, path string, payload any) (*http.Response, error) {
	if c.config.APIKey == "" {
		return nil, WrapError(c.name, ErrNoAPIKey)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(c.name, fmt.Errorf("marshal payload: %w", err))
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

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, WrapError(c.name, fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = WrapError(c.name, err)
			c.logger.Warn("request failed, retrying", "attempt", attempt+1, "error", err)
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
		lastErr = apiErr
		c.logger.Warn("retrying request", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return nil, lastErr
}

func (c *Client) parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		if errResp.Error.Code != nil {
			code = fmt.Sprint(errResp.Error.Code)
		}
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   c.name,
	}
}

func parseToolCalls(calls []apiToolCall) []llmcontext.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llmcontext.ToolCall, len(calls))
	for i, call := range calls {
		out[i] = llmcontext.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		}
	}
	return out
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u apiUsage) usage() Usage {
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string        `json:"role"`
			Content   string        `json:"content"`
			ToolCalls []apiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type apiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

var _ Provider = (*Client)(nil)
