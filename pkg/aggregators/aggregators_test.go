package aggregators

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/audioio"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/turn"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/vad"
)

type event struct {
	name string
	dir  pipeline.Direction
}

// collector records every frame it sees and forwards it.
type collector struct {
	*pipeline.BaseProcessor
	mu     sync.Mutex
	events []event
}

func newCollector(name string) *collector {
	return &collector{BaseProcessor: pipeline.NewBaseProcessor(name, nil)}
}

func (c *collector) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	c.mu.Lock()
	c.events = append(c.events, event{f.FrameName(), dir})
	c.mu.Unlock()
	return c.PushFrame(ctx, f, dir)
}

func (c *collector) count(name string, dir pipeline.Direction) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.name == name && e.dir == dir {
			n++
		}
	}
	return n
}

func (c *collector) index(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.events {
		if e.name == name {
			return i
		}
	}
	return -1
}

func audio(amp int16) *frames.InputAudioRawFrame {
	s := make([]int16, 320)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return &frames.InputAudioRawFrame{Audio: audioio.SamplesToBytes(s), SampleRate: 16000, NumChannels: 1}
}

func loud() frames.Frame  { return audio(8000) }
func quiet() frames.Frame { return audio(0) }

func run(t *testing.T, stages []pipeline.Processor, fs ...frames.Frame) {
	t.Helper()
	task := pipeline.NewTask(pipeline.New(stages...), pipeline.TaskParams{AudioInSampleRate: 16000})
	task.QueueFrames(fs...)
	task.StopWhenDone()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func newContext() *llmcontext.Context {
	return llmcontext.New([]llmcontext.Message{llmcontext.System("sys")}, tools.SandboxTools())
}

func threeTierParams(stopTimeout time.Duration, analyzer turn.Analyzer) UserParams {
	return UserParams{
		VADAnalyzer: vad.NewEnergyAnalyzer(vad.Params{Start: 20 * time.Millisecond, Stop: 40 * time.Millisecond}),
		Strategies: &TurnStrategies{
			Start: []StartStrategy{VADStart{}, TranscriptionStart{UseInterim: true}},
			Stop:  []StopStrategy{TurnAnalyzerStop{Analyzer: analyzer}},
		},
		UserTurnStopTimeout: stopTimeout,
	}
}

func TestUserTurnWithTurnAnalyzer(t *testing.T) {
	c := newContext()
	analyzer := turn.NewLocalAnalyzer(turn.LocalParams{MinSpeech: 20 * time.Millisecond, MinSilence: 20 * time.Millisecond})
	user, _ := NewPair(c, threeTierParams(8*time.Second, analyzer))
	out := newCollector("out")

	run(t, []pipeline.Processor{user, out},
		loud(), loud(),
		&frames.TranscriptionFrame{Text: "hello there"},
		quiet(), quiet(),
	)

	if out.count("UserStartedSpeakingFrame", pipeline.Downstream) != 1 {
		t.Error("expected one UserStartedSpeakingFrame")
	}
	if out.count("InterruptionFrame", pipeline.Downstream) != 1 {
		t.Error("expected one InterruptionFrame")
	}
	if out.count("UserStoppedSpeakingFrame", pipeline.Downstream) != 1 {
		t.Error("expected one UserStoppedSpeakingFrame")
	}
	if out.count("LLMContextFrame", pipeline.Downstream) != 1 {
		t.Fatal("expected one LLMContextFrame")
	}
	if out.count("TranscriptionFrame", pipeline.Downstream) != 0 {
		t.Error("transcripts should be consumed")
	}
	if out.count("InputAudioRawFrame", pipeline.Downstream) != 4 {
		t.Error("audio should pass through")
	}
	if out.index("UserStoppedSpeakingFrame") > out.index("LLMContextFrame") {
		t.Error("UserStoppedSpeakingFrame should precede LLMContextFrame")
	}

	last, _ := c.Last()
	if last.Role != llmcontext.RoleUser || last.Content != "hello there" {
		t.Errorf("last message = %+v", last)
	}
}

func TestTranscriptAfterVADStop(t *testing.T) {
	c := newContext()
	analyzer := turn.NewLocalAnalyzer(turn.LocalParams{MinSpeech: 20 * time.Millisecond, MinSilence: 20 * time.Millisecond})
	user, _ := NewPair(c, threeTierParams(8*time.Second, analyzer))
	out := newCollector("out")

	run(t, []pipeline.Processor{user, out},
		loud(), loud(), quiet(), quiet(),
		&frames.TranscriptionFrame{Text: "late"},
	)

	if out.count("LLMContextFrame", pipeline.Downstream) != 1 {
		t.Fatal("pending stop should finish the turn when the transcript arrives")
	}
	last, _ := c.Last()
	if last.Content != "late" {
		t.Errorf("last message = %+v", last)
	}
}

func TestUserTurnStopTimeout(t *testing.T) {
	c := newContext()
	analyzer := turn.NewLocalAnalyzer(turn.LocalParams{MinSpeech: time.Hour})
	user, _ := NewPair(c, threeTierParams(30*time.Millisecond, analyzer))
	out := newCollector("out")

	task := pipeline.NewTask(pipeline.New(user, out), pipeline.TaskParams{AudioInSampleRate: 16000})
	task.QueueFrames(loud(), loud(), &frames.TranscriptionFrame{Text: "slow"}, quiet(), quiet())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- task.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for out.count("LLMContextFrame", pipeline.Downstream) == 0 {
		select {
		case <-deadline:
			t.Fatal("turn was not forced closed by the stop timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
	task.Cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	last, _ := c.Last()
	if last.Content != "slow" {
		t.Errorf("last message = %+v", last)
	}
}

func TestInterimTranscriptionStartsTurn(t *testing.T) {
	c := newContext()
	user, _ := NewPair(c, threeTierParams(time.Hour, turn.NewLocalAnalyzer(turn.LocalParams{})))
	out := newCollector("out")

	run(t, []pipeline.Processor{user, out}, &frames.InterimTranscriptionFrame{Text: "hel"})

	if out.count("UserStartedSpeakingFrame", pipeline.Downstream) != 1 {
		t.Error("interim transcript should start a turn when UseInterim is set")
	}
	if !user.InTurn() {
		t.Error("turn should stay open")
	}
}

func TestLLMRunPushesContext(t *testing.T) {
	c := newContext()
	user, _ := NewPair(c, UserParams{})
	out := newCollector("out")

	run(t, []pipeline.Processor{user, out},
		&frames.LLMRunFrame{},
		&frames.LLMMessagesAppendFrame{Messages: []llmcontext.Message{llmcontext.User("x")}},
	)

	if out.count("LLMContextFrame", pipeline.Downstream) != 1 {
		t.Error("LLMRunFrame should produce one LLMContextFrame")
	}
	if out.count("LLMRunFrame", pipeline.Downstream) != 0 {
		t.Error("LLMRunFrame should be consumed")
	}
	if c.Len() != 2 {
		t.Errorf("context len = %d, want 2", c.Len())
	}
}

func TestExternalStrategies(t *testing.T) {
	c := newContext()
	ext := ExternalTurnStrategies()
	user, _ := NewPair(c, UserParams{Strategies: &ext})
	out := newCollector("out")

	run(t, []pipeline.Processor{user, out}, loud(), &frames.TranscriptionFrame{Text: "said by user"})

	if out.count("UserStartedSpeakingFrame", pipeline.Downstream) != 0 {
		t.Error("external strategies should not emit turn frames")
	}
	if out.count("LLMContextFrame", pipeline.Downstream) != 0 {
		t.Error("external strategies should not run the LLM")
	}
	last, _ := c.Last()
	if last.Content != "said by user" {
		t.Errorf("transcript not recorded: %+v", last)
	}
}

func TestAssistantAggregator(t *testing.T) {
	c := newContext()
	_, assistant := NewPair(c, UserParams{})
	up := newCollector("up")

	run(t, []pipeline.Processor{up, assistant},
		&frames.LLMFullResponseStartFrame{},
		&frames.TTSTextFrame{Text: "Hi "},
		&frames.TTSTextFrame{Text: "there!"},
		&frames.LLMFullResponseEndFrame{},
		&frames.FunctionCallResultFrame{
			FunctionName: "show_text",
			ToolCallID:   "call_1",
			Arguments:    map[string]any{"text": "a"},
			Result:       map[string]any{"status": "displayed", "text": "a"},
			RunLLM:       true,
		},
	)

	msgs := c.Messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].Role != llmcontext.RoleAssistant || msgs[1].Content != "Hi there!" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Arguments != `{"text":"a"}` {
		t.Errorf("tool call message = %+v", msgs[2])
	}
	if msgs[3].Role != llmcontext.RoleTool || msgs[3].ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", msgs[3])
	}
	if up.count("LLMContextFrame", pipeline.Upstream) != 1 {
		t.Error("RunLLM result should push the context upstream")
	}
}
