package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

// runFunctionCalls executes a batch of calls in parallel and sends every
// result back to the model in one go, so it answers once for the whole
// batch. Result frames never ask for another LLM run: the server already
// owns the conversation.
func (s *Service) runFunctionCalls(ctx context.Context, calls []functionCall) error {
	var batch []functionCall
	for _, c := range calls {
		if _, ok := s.registry.Handler(c.Name); !ok {
			s.Logger().Warn("no handler registered for function", "function", c.Name)
			continue
		}
		batch = append(batch, c)
	}
	if len(batch) == 0 {
		return nil
	}

	for _, c := range batch {
		if err := s.PushFrame(ctx, &frames.FunctionCallInProgressFrame{
			FunctionName: c.Name,
			ToolCallID:   c.ID,
			Arguments:    c.Arguments,
		}, pipeline.Downstream); err != nil {
			return err
		}
	}

	results := make([]functionResult, len(batch))
	var wg sync.WaitGroup
	for i, c := range batch {
		wg.Go(func() {
			results[i] = functionResult{call: c, result: s.invoke(ctx, c)}
		})
	}
	wg.Wait()

	for _, r := range results {
		if err := s.PushFrame(ctx, &frames.FunctionCallResultFrame{
			FunctionName: r.call.Name,
			ToolCallID:   r.call.ID,
			Arguments:    r.call.Arguments,
			Result:       r.result,
		}, pipeline.Downstream); err != nil {
			return err
		}
	}

	if err := s.send(s.dialect.functionResults(results)...); err != nil && !errors.Is(err, ErrNotConnected) {
		s.Logger().Warn("send function results failed", "error", err)
	}
	return nil
}

// invoke runs one handler and returns the value it delivered. Errors and
// panics are reported to the model as {"error": ...}.
func (s *Service) invoke(ctx context.Context, c functionCall) (result any) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Error("function panicked", "function", c.Name, "panic", r)
			result = map[string]any{"error": fmt.Sprintf("function panicked: %v", r)}
		}
	}()

	var (
		value     any
		delivered bool
	)
	params := &tools.FunctionCallParams{
		FunctionName: c.Name,
		ToolCallID:   c.ID,
		Arguments:    c.Arguments,
		ResultCallback: func(_ context.Context, v any) error {
			if delivered {
				return errors.New("realtime: result already delivered")
			}
			value, delivered = v, true
			return nil
		},
	}
	if err := s.registry.Invoke(ctx, params); err != nil {
		s.Logger().Error("function call failed", "function", c.Name, "error", err)
		if !delivered {
			return map[string]any{"error": err.Error()}
		}
	}
	if !delivered {
		return map[string]any{"status": "ok"}
	}
	return value
}
