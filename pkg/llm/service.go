package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

// ServiceName is the pipeline stage name of an LLM service.
const ServiceName = "llm"

// Service is a pipeline stage that answers LLMContextFrames. Each response
// is bracketed by LLMFullResponseStart and LLMFullResponseEnd frames, with
// the reply streamed as TextFrames in between. Tool calls are dispatched to
// registered handlers and their results pushed as FunctionCallResultFrames.
type Service struct {
	*pipeline.BaseProcessor

	provider Provider
	model    string
	registry *tools.Registry

	cancel context.CancelFunc
	done   chan struct{}
	ended  bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.BaseProcessor = pipeline.NewBaseProcessor(ServiceName, l)
	}
}

// WithServiceModel sets the model sent with every request.
func WithServiceModel(model string) ServiceOption {
	return func(s *Service) { s.model = model }
}

// NewService wraps provider as a pipeline stage.
func NewService(provider Provider, opts ...ServiceOption) *Service {
	s := &Service{
		BaseProcessor: pipeline.NewBaseProcessor(ServiceName, nil),
		provider:      provider,
		registry:      tools.NewRegistry(),
	}
	if m, ok := provider.(interface{ Model() string }); ok {
		s.model = m.Model()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the chat model.
func (s *Service) Model() string { return s.model }

// Provider returns the wrapped provider.
func (s *Service) Provider() Provider { return s.provider }

// RegisterFunction installs the handler invoked when the model calls name.
func (s *Service) RegisterFunction(name string, h tools.Handler) {
	s.registry.Register(name, h)
}

// Functions returns the registered function names.
func (s *Service) Functions() []string { return s.registry.Names() }

// ProcessFrame implements pipeline.Processor.
func (s *Service) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	switch fr := f.(type) {
	case *frames.LLMContextFrame:
		if s.ended || fr.Context == nil {
			return nil
		}
		s.start(ctx, fr.Context)
		return nil

	case *frames.InterruptionFrame, *frames.CancelFrame:
		s.stop()
		return s.PushFrame(ctx, f, dir)

	case *frames.EndFrame:
		s.ended = true
		s.wait(ctx)
		return s.PushFrame(ctx, f, dir)
	}
	return s.PushFrame(ctx, f, dir)
}

// start cancels any running generation and begins a new one.
func (s *Service) start(ctx context.Context, c *llmcontext.Context) {
	s.stop()
	gctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	req := &ChatRequest{Messages: c.Messages(), Tools: c.Tools(), Model: s.model}
	s.Go(ctx, func(context.Context) {
		defer close(done)
		defer cancel()
		if err := s.generate(gctx, req); err != nil && gctx.Err() == nil {
			s.Logger().Error("generation failed", "error", err)
			_ = s.PushError(ctx, err, false)
		}
	})
}

func (s *Service) stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Service) wait(ctx context.Context) {
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// generate streams one response and then runs any requested tool calls.
func (s *Service) generate(ctx context.Context, req *ChatRequest) error {
	start := time.Now()
	stream, err := s.provider.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := s.PushFrame(ctx, &frames.LLMFullResponseStartFrame{}, pipeline.Downstream); err != nil {
		return err
	}

	var final *StreamChunk
	first := true
	for final == nil {
		chunk, err := stream.Recv()
		if err != nil {
			_ = s.PushFrame(ctx, &frames.LLMFullResponseEndFrame{}, pipeline.Downstream)
			return err
		}
		if chunk.Delta != "" {
			if first {
				first = false
				_ = s.PushTTFB(ctx, s.model, time.Since(start))
			}
			if err := s.PushFrame(ctx, &frames.TextFrame{Text: chunk.Delta}, pipeline.Downstream); err != nil {
				return err
			}
		}
		if chunk.Done {
			final = chunk
		}
	}

	if final.Usage != nil {
		_ = s.PushLLMUsage(ctx, s.model, frames.LLMUsage{
			PromptTokens:     final.Usage.PromptTokens,
			CompletionTokens: final.Usage.CompletionTokens,
			TotalTokens:      final.Usage.TotalTokens,
		})
	}
	_ = s.PushProcessing(ctx, s.model, time.Since(start))
	if err := s.PushFrame(ctx, &frames.LLMFullResponseEndFrame{}, pipeline.Downstream); err != nil {
		return err
	}
	return s.runFunctionCalls(ctx, final.ToolCalls)
}

// runFunctionCalls invokes handlers in order. Only the last result asks
// the context aggregator to run the LLM again.
func (s *Service) runFunctionCalls(ctx context.Context, calls []llmcontext.ToolCall) error {
	type pending struct {
		call    llmcontext.ToolCall
		handler tools.Handler
	}
	var runnable []pending
	for _, call := range calls {
		h, ok := s.registry.Handler(call.Name)
		if !ok {
			s.Logger().Warn("no handler registered for function", "function", call.Name)
			continue
		}
		runnable = append(runnable, pending{call: call, handler: h})
	}

	for i, p := range runnable {
		args := map[string]any{}
		if p.call.Arguments != "" {
			if err := json.Unmarshal([]byte(p.call.Arguments), &args); err != nil {
				s.Logger().Warn("invalid function arguments", "function", p.call.Name, "error", err)
			}
		}
		if err := s.PushFrame(ctx, &frames.FunctionCallInProgressFrame{
			FunctionName: p.call.Name,
			ToolCallID:   p.call.ID,
			Arguments:    args,
		}, pipeline.Downstream); err != nil {
			return err
		}

		last := i == len(runnable)-1
		delivered := false
		params := &tools.FunctionCallParams{
			FunctionName: p.call.Name,
			ToolCallID:   p.call.ID,
			Arguments:    args,
			ResultCallback: func(ctx context.Context, result any) error {
				if delivered {
					return errors.New("llm: result already delivered")
				}
				delivered = true
				return s.PushFrame(ctx, &frames.FunctionCallResultFrame{
					FunctionName: p.call.Name,
					ToolCallID:   p.call.ID,
					Arguments:    args,
					Result:       result,
					RunLLM:       last,
				}, pipeline.Downstream)
			},
		}
		if err := p.handler(ctx, params); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Logger().Error("function call failed", "function", p.call.Name, "error", err)
			if !delivered {
				_ = params.ResultCallback(ctx, map[string]any{"error": err.Error()})
			}
		}
	}
	return nil
}

// Cleanup closes the provider.
func (s *Service) Cleanup(context.Context) error {
	return s.provider.Close()
}

var (
	_ pipeline.Processor = (*Service)(nil)
	_ pipeline.Cleaner   = (*Service)(nil)
)
