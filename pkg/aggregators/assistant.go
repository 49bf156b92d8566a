package aggregators

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

// AssistantAggregator records assistant replies and tool results in the
// context. It sits after the output transport so only spoken text is kept.
type AssistantAggregator struct {
	*pipeline.BaseProcessor

	context *llmcontext.Context
	text    strings.Builder
}

// Context returns the shared conversation context.
func (a *AssistantAggregator) Context() *llmcontext.Context { return a.context }

// ProcessFrame implements pipeline.Processor.
func (a *AssistantAggregator) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	switch fr := f.(type) {
	case *frames.LLMFullResponseStartFrame:
		a.text.Reset()
	case *frames.TextFrame:
		a.text.WriteString(fr.Text)
	case *frames.TTSTextFrame:
		a.text.WriteString(fr.Text)
	case *frames.LLMFullResponseEndFrame, *frames.InterruptionFrame, *frames.EndFrame:
		a.commit()
	case *frames.FunctionCallResultFrame:
		a.commit()
		a.addToolResult(fr)
		if fr.RunLLM {
			if err := a.PushFrame(ctx, &frames.LLMContextFrame{Context: a.context}, pipeline.Upstream); err != nil {
				return err
			}
		}
	}
	return a.PushFrame(ctx, f, dir)
}

func (a *AssistantAggregator) commit() {
	text := strings.TrimSpace(a.text.String())
	a.text.Reset()
	if text != "" {
		a.context.AddMessage(llmcontext.Assistant(text))
	}
}

func (a *AssistantAggregator) addToolResult(fr *frames.FunctionCallResultFrame) {
	args, err := json.Marshal(fr.Arguments)
	if err != nil || fr.Arguments == nil {
		args = []byte("{}")
	}
	a.context.AddMessages(
		llmcontext.Message{
			Role: llmcontext.RoleAssistant,
			ToolCalls: []llmcontext.ToolCall{{
				ID:        fr.ToolCallID,
				Name:      fr.FunctionName,
				Arguments: string(args),
			}},
		},
		llmcontext.ToolResult(fr.ToolCallID, fr.FunctionName, fr.Result),
	)
}

var _ pipeline.Processor = (*AssistantAggregator)(nil)
