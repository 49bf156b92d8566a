package aggregators

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/turn"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/vad"
)

// Stage names.
const (
	UserAggregatorName      = "user-aggregator"
	AssistantAggregatorName = "assistant-aggregator"
)

// userTurnTimeoutFrame is queued by the stop timer onto the aggregator itself.
type userTurnTimeoutFrame struct {
	frames.Meta
	seq uint64
}

func (userTurnTimeoutFrame) FrameName() string { return "UserTurnTimeoutFrame" }

// UserAggregator turns user audio and transcripts into user turns.
type UserAggregator struct {
	*pipeline.BaseProcessor

	context    *llmcontext.Context
	params     UserParams
	strategies TurnStrategies
	analyzer   turn.Analyzer

	vadState    vad.State
	inTurn      bool
	pendingStop bool
	parts       []string

	timer    *time.Timer
	timerSeq uint64
}

// Option configures an aggregator pair.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for both aggregators.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewPair creates the user and assistant aggregators sharing c.
func NewPair(c *llmcontext.Context, params UserParams, opts ...Option) (*UserAggregator, *AssistantAggregator) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "aggregators")

	st := params.strategies()
	user := &UserAggregator{
		BaseProcessor: pipeline.NewBaseProcessor(UserAggregatorName, logger),
		context:       c,
		params:        params,
		strategies:    st,
		analyzer:      st.turnAnalyzer(),
	}
	assistant := &AssistantAggregator{
		BaseProcessor: pipeline.NewBaseProcessor(AssistantAggregatorName, logger),
		context:       c,
	}
	return user, assistant
}

// Context returns the shared conversation context.
func (u *UserAggregator) Context() *llmcontext.Context { return u.context }

// Strategies returns the effective turn strategies.
func (u *UserAggregator) Strategies() TurnStrategies { return u.strategies }

// Params returns the aggregator parameters.
func (u *UserAggregator) Params() UserParams { return u.params }

// InTurn reports whether a user turn is open.
func (u *UserAggregator) InTurn() bool { return u.inTurn }

// ProcessFrame implements pipeline.Processor.
func (u *UserAggregator) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	switch fr := f.(type) {
	case *frames.StartFrame:
		u.setSampleRate(fr.AudioInSampleRate)
	case *frames.EndFrame, *frames.CancelFrame:
		u.stopTimer()
	case *frames.InputAudioRawFrame:
		if err := u.handleAudio(ctx, fr); err != nil {
			return err
		}
	case *frames.TranscriptionFrame:
		return u.handleTranscript(ctx, fr.Text, true)
	case *frames.InterimTranscriptionFrame:
		return u.handleTranscript(ctx, fr.Text, false)
	case *frames.LLMRunFrame:
		return u.pushContext(ctx)
	case *frames.LLMMessagesAppendFrame:
		u.context.AddMessages(fr.Messages...)
		if fr.RunLLM {
			return u.pushContext(ctx)
		}
		return nil
	case *userTurnTimeoutFrame:
		if fr.seq == u.timerSeq && u.inTurn {
			u.Logger().Debug("user turn stop timeout reached", "timeout", u.params.stopTimeout())
			return u.finishTurn(ctx)
		}
		return nil
	}
	return u.PushFrame(ctx, f, dir)
}

// Cleanup stops the turn timer.
func (u *UserAggregator) Cleanup(ctx context.Context) error {
	u.stopTimer()
	return nil
}

func (u *UserAggregator) setSampleRate(rate int) {
	if rate <= 0 {
		return
	}
	if u.params.VADAnalyzer != nil {
		u.params.VADAnalyzer.SetSampleRate(rate)
	}
	if u.analyzer != nil {
		u.analyzer.SetSampleRate(rate)
	}
}

func (u *UserAggregator) handleAudio(ctx context.Context, fr *frames.InputAudioRawFrame) error {
	if u.strategies.External || u.params.VADAnalyzer == nil {
		return nil
	}
	u.setSampleRate(fr.SampleRate)

	wasSpeaking := isVoiced(u.vadState)
	u.vadState = u.params.VADAnalyzer.Analyze(fr.Audio)
	speaking := isVoiced(u.vadState)

	if u.analyzer != nil && (u.inTurn || speaking) {
		u.analyzer.AppendAudio(fr.Audio, u.vadState == vad.Speaking)
	}

	switch {
	case speaking && !wasSpeaking:
		if err := u.PushFrame(ctx, &frames.VADUserStartedSpeakingFrame{}, pipeline.Downstream); err != nil {
			return err
		}
		u.stopTimer()
		u.pendingStop = false
		if u.strategies.vadStart() && !u.inTurn {
			return u.startTurn(ctx)
		}
	case !speaking && wasSpeaking:
		if err := u.PushFrame(ctx, &frames.VADUserStoppedSpeakingFrame{}, pipeline.Downstream); err != nil {
			return err
		}
		if u.inTurn {
			return u.onVADStop(ctx)
		}
	}
	return nil
}

func (u *UserAggregator) onVADStop(ctx context.Context) error {
	if u.analyzer != nil {
		state, err := u.analyzer.AnalyzeEndOfTurn(ctx)
		if err != nil {
			return err
		}
		if state == turn.Complete {
			return u.maybeFinish(ctx)
		}
		u.armTimer()
		return nil
	}
	for _, s := range u.strategies.Stop {
		if _, ok := s.(VADStop); ok {
			return u.maybeFinish(ctx)
		}
	}
	u.armTimer()
	return nil
}

// maybeFinish ends the turn now when a transcript is available, otherwise
// waits for the final transcript or the stop timeout.
func (u *UserAggregator) maybeFinish(ctx context.Context) error {
	if len(u.parts) > 0 {
		return u.finishTurn(ctx)
	}
	u.pendingStop = true
	u.armTimer()
	return nil
}

func (u *UserAggregator) handleTranscript(ctx context.Context, text string, final bool) error {
	text = strings.TrimSpace(text)

	if u.strategies.External {
		if final && text != "" {
			u.context.AddMessage(llmcontext.User(text))
		}
		return nil
	}
	if text == "" {
		return nil
	}

	if ts, ok := u.strategies.transcriptionStart(); ok && !u.inTurn && (final || ts.UseInterim) {
		if err := u.startTurn(ctx); err != nil {
			return err
		}
	}
	if !final || !u.inTurn {
		return nil
	}

	u.parts = append(u.parts, text)
	if u.pendingStop {
		return u.finishTurn(ctx)
	}
	if !isVoiced(u.vadState) {
		u.armTimer()
	}
	return nil
}

func (u *UserAggregator) startTurn(ctx context.Context) error {
	u.inTurn = true
	u.pendingStop = false
	u.parts = nil
	if err := u.PushFrame(ctx, &frames.UserStartedSpeakingFrame{}, pipeline.Downstream); err != nil {
		return err
	}
	return u.PushFrame(ctx, &frames.InterruptionFrame{}, pipeline.Downstream)
}

func (u *UserAggregator) finishTurn(ctx context.Context) error {
	u.stopTimer()
	u.inTurn = false
	u.pendingStop = false
	if u.analyzer != nil {
		u.analyzer.Clear()
	}

	text := strings.Join(u.parts, " ")
	u.parts = nil

	if err := u.PushFrame(ctx, &frames.UserStoppedSpeakingFrame{}, pipeline.Downstream); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	u.context.AddMessage(llmcontext.User(text))
	return u.pushContext(ctx)
}

func (u *UserAggregator) pushContext(ctx context.Context) error {
	return u.PushFrame(ctx, &frames.LLMContextFrame{Context: u.context}, pipeline.Downstream)
}

func (u *UserAggregator) armTimer() {
	u.stopTimer()
	u.timerSeq++
	seq := u.timerSeq
	u.timer = time.AfterFunc(u.params.stopTimeout(), func() {
		u.QueueFrame(&userTurnTimeoutFrame{seq: seq}, pipeline.Downstream)
	})
}

func (u *UserAggregator) stopTimer() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

func isVoiced(s vad.State) bool {
	return s == vad.Speaking || s == vad.Stopping
}

var _ pipeline.Processor = (*UserAggregator)(nil)
