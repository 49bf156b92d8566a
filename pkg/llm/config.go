package llm

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Provider base URLs.
const (
	OpenAIBaseURL = "https://api.openai.com/v1"
	GrokBaseURL   = "https://api.x.ai/v1"
	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Config holds provider configuration.
type Config struct {
	BaseURL string
	APIKey  string

	// TokenSource authenticates with OAuth2 bearer tokens when APIKey is empty.
	TokenSource oauth2.TokenSource

	Model       string
	MaxTokens   int
	Temperature float64

	Timeout       time.Duration
	StreamTimeout time.Duration

	MaxRetries int
	RetryDelay time.Duration

	// HTTPClient overrides the clients built from the timeouts.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithTokenSource sets an OAuth2 token source.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Config) { c.TokenSource = ts }
}

// WithModel sets the default chat model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithStreamTimeout sets the streaming request timeout.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Config) { c.StreamTimeout = d }
}

// WithRetry configures retry behavior.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns defaults for OpenAI.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       OpenAIBaseURL,
		Model:         "gpt-4.1",
		MaxTokens:     1024,
		Timeout:       30 * time.Second,
		StreamTimeout: 120 * time.Second,
		MaxRetries:    2,
		RetryDelay:    100 * time.Millisecond,
		Logger:        slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that credentials are present.
func (c *Config) Validate() error {
	if c.APIKey == "" && c.TokenSource == nil {
		return ErrNoAPIKey
	}
	return nil
}

func (c *Config) client(streaming bool) *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	if streaming {
		return &http.Client{Timeout: c.StreamTimeout}
	}
	return &http.Client{Timeout: c.Timeout}
}
