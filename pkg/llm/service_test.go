package llm_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llm"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline/pipelinetest"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

func newContext() *llmcontext.Context {
	return llmcontext.New([]llmcontext.Message{
		llmcontext.System("You are a helpful assistant."),
		llmcontext.User("show me a cat"),
	}, tools.SandboxTools())
}

func TestServiceStreamsResponse(t *testing.T) {
	mock := llm.NewScripted([]llm.StreamChunk{
		{Delta: "Hello "},
		{Delta: "there."},
		{Usage: &llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, Done: true},
	})
	svc := llm.NewService(mock, llm.WithServiceModel("gpt-4.1"))
	sink := pipelinetest.NewCollector("sink")

	pipelinetest.Run(t, pipeline.TaskParams{EnableMetrics: true, EnableUsageMetrics: true},
		[]pipeline.Processor{svc, sink},
		&frames.LLMContextFrame{Context: newContext()},
	)

	var text strings.Builder
	var usage *frames.LLMUsage
	ttfb := 0
	for _, ev := range sink.Events() {
		switch f := ev.Frame.(type) {
		case *frames.TextFrame:
			text.WriteString(f.Text)
		case *frames.MetricsFrame:
			for _, d := range f.Data {
				switch d.Kind {
				case frames.MetricLLMUsage:
					usage = d.Usage
				case frames.MetricTTFB:
					ttfb++
					if d.Processor != llm.ServiceName || d.Model != "gpt-4.1" {
						t.Errorf("ttfb metric = %+v", d)
					}
				}
			}
		}
	}
	if text.String() != "Hello there." {
		t.Errorf("text = %q", text.String())
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
	if ttfb != 1 {
		t.Errorf("ttfb metrics = %d", ttfb)
	}

	start, end := sink.Index("LLMFullResponseStartFrame"), sink.Index("LLMFullResponseEndFrame")
	if start < 0 || end < start || sink.Index("TextFrame") < start {
		t.Errorf("response bracket out of order: start=%d end=%d", start, end)
	}
	if end > sink.Index("EndFrame") {
		t.Error("EndFrame overtook the response")
	}

	reqs := mock.Requests()
	if len(reqs) != 1 || len(reqs[0].Messages) != 2 || reqs[0].Model != "gpt-4.1" {
		t.Fatalf("requests = %+v", reqs)
	}
	if got := reqs[0].Tools.Names(); len(got) != 2 {
		t.Errorf("tools = %v", got)
	}
}

func TestServiceDispatchesFunctionCalls(t *testing.T) {
	mock := llm.NewScripted([]llm.StreamChunk{{
		ToolCalls: []llmcontext.ToolCall{
			{ID: "c1", Name: "show_picture", Arguments: `{"url":"http://cat"}`},
			{ID: "c2", Name: "unknown_fn", Arguments: `{}`},
			{ID: "c3", Name: "show_text", Arguments: `{"text":"a cat"}`},
		},
		Done: true,
	}})
	svc := llm.NewService(mock)
	svc.RegisterFunction(tools.ShowPictureName, tools.ShowPicture(nil))
	svc.RegisterFunction(tools.ShowTextName, tools.ShowText(nil))
	sink := pipelinetest.NewCollector("sink")

	pipelinetest.Run(t, pipeline.TaskParams{}, []pipeline.Processor{svc, sink},
		&frames.LLMContextFrame{Context: newContext()},
	)

	if got := svc.Functions(); len(got) != 2 {
		t.Errorf("Functions = %v", got)
	}
	if n := sink.Count("FunctionCallInProgressFrame", pipeline.Downstream); n != 2 {
		t.Errorf("in-progress frames = %d", n)
	}

	var results []*frames.FunctionCallResultFrame
	for _, ev := range sink.Events() {
		if r, ok := ev.Frame.(*frames.FunctionCallResultFrame); ok {
			results = append(results, r)
		}
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ToolCallID != "c1" || results[0].RunLLM {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].ToolCallID != "c3" || !results[1].RunLLM {
		t.Errorf("last result = %+v", results[1])
	}
	res := results[0].Result.(map[string]any)
	if res["status"] != "displayed" || res["url"] != "http://cat" {
		t.Errorf("show_picture result = %v", res)
	}
	if results[0].Arguments["url"] != "http://cat" {
		t.Errorf("arguments = %v", results[0].Arguments)
	}
}

func TestServiceHandlerErrorBecomesResult(t *testing.T) {
	mock := llm.NewScripted([]llm.StreamChunk{{
		ToolCalls: []llmcontext.ToolCall{{ID: "c1", Name: "show_text", Arguments: `{"text":"x"}`}},
		Done:      true,
	}})
	svc := llm.NewService(mock)
	svc.RegisterFunction(tools.ShowTextName, func(ctx context.Context, p *tools.FunctionCallParams) error {
		return errors.New("display offline")
	})
	sink := pipelinetest.NewCollector("sink")

	pipelinetest.Run(t, pipeline.TaskParams{}, []pipeline.Processor{svc, sink},
		&frames.LLMContextFrame{Context: newContext()},
	)

	for _, ev := range sink.Events() {
		if r, ok := ev.Frame.(*frames.FunctionCallResultFrame); ok {
			res := r.Result.(map[string]any)
			if res["error"] != "display offline" || !r.RunLLM {
				t.Errorf("result = %+v", r)
			}
			return
		}
	}
	t.Fatal("no FunctionCallResultFrame")
}

func TestServiceReportsProviderErrors(t *testing.T) {
	svc := llm.NewService(llm.WithError(errors.New("boom")))
	var errs atomic.Int32
	observer := pipeline.ObserverFunc(func(ev pipeline.PushEvent) {
		if e, ok := ev.Frame.(*frames.ErrorFrame); ok && e.From == llm.ServiceName && !e.Fatal {
			errs.Add(1)
		}
	})

	task := pipeline.NewTask(pipeline.New(svc), pipeline.TaskParams{}, pipeline.WithObservers(observer))
	task.QueueFrames(&frames.LLMContextFrame{Context: newContext()})
	task.StopWhenDone()
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if errs.Load() != 1 {
		t.Errorf("error frames = %d, want 1", errs.Load())
	}
}

func TestServiceModelFromProvider(t *testing.T) {
	client, err := llm.NewGrok(llm.WithAPIKey("k"))
	if err != nil {
		t.Fatal(err)
	}
	if got := llm.NewService(client).Model(); got != "grok-3-beta" {
		t.Errorf("Model = %q", got)
	}
}
