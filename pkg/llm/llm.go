// Package llm generates assistant replies for the three-tier pipeline.
//
// Providers stream chat completions from OpenAI-compatible APIs (OpenAI,
// Grok) or from Gemini. Service wraps a Provider as a pipeline stage that
// answers LLMContextFrames with TextFrames and dispatches tool calls to
// registered function handlers.
//
//	client, _ := llm.NewClient(
//	    llm.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    llm.WithModel("gpt-4.1"),
//	)
//	svc := llm.NewService(client)
//	svc.RegisterFunction("show_text", tools.ShowText(logger))
package llm

import (
	"context"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

// Provider is the chat completion interface shared by all backends.
type Provider interface {
	// Chat generates a complete response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream generates a response incrementally.
	Stream(ctx context.Context, req *ChatRequest) (Stream, error)

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Stream is a streaming response.
type Stream interface {
	// Recv returns the next chunk. The chunk with Done set carries the
	// completed tool calls and usage; every later call returns Done again.
	Recv() (*StreamChunk, error)

	Close() error
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Delta        string
	ToolCalls    []llmcontext.ToolCall
	FinishReason string
	Usage        *Usage
	Done         bool
}

// ChatRequest for chat completions.
type ChatRequest struct {
	Messages []llmcontext.Message
	Tools    tools.ToolsSchema

	// Model overrides the default model.
	Model       string
	MaxTokens   int
	Temperature float64

	// ToolChoice controls tool use: "auto", "none", "required".
	ToolChoice string
}

// ChatResponse from a chat completion.
type ChatResponse struct {
	Message      llmcontext.Message
	FinishReason string
	Usage        Usage
	Model        string
	LatencyMs    int64
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
