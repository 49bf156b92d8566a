package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
)

// ErrAlreadyRunning is returned when Run is called twice on one task.
var ErrAlreadyRunning = errors.New("pipeline: task already running")

// Default task timings.
const (
	DefaultCancelTimeout  = 5 * time.Second
	DefaultCleanupTimeout = 5 * time.Second
)

// TaskParams configures a task.
type TaskParams struct {
	EnableMetrics      bool
	EnableUsageMetrics bool

	// IdleTimeout fires the idle handlers when no user or bot activity is
	// seen for this long. Zero disables it.
	IdleTimeout time.Duration

	AudioInSampleRate  int
	AudioOutSampleRate int
}

// TaskOption configures optional task behaviour.
type TaskOption func(*Task)

// WithObservers adds observers that see every frame hop.
func WithObservers(obs ...Observer) TaskOption {
	return func(t *Task) { t.observers = append(t.observers, obs...) }
}

// WithTaskLogger sets the task logger.
func WithTaskLogger(l *slog.Logger) TaskOption {
	return func(t *Task) { t.logger = l }
}

// WithCancelOnIdleTimeout controls whether an idle timeout cancels the task.
// Default true.
func WithCancelOnIdleTimeout(cancel bool) TaskOption {
	return func(t *Task) { t.cancelOnIdle = cancel }
}

// WithCancelTimeout bounds how long Cancel waits for the CancelFrame to
// drain before stopping every processor.
func WithCancelTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.cancelTimeout = d }
}

// Handler is an event callback registered on a task.
type Handler func(ctx context.Context)

// Task runs one pipeline: it injects the StartFrame, watches for idleness,
// dispatches lifecycle events and joins every processor goroutine.
type Task struct {
	id       string
	pipeline *Pipeline
	params   TaskParams
	logger   *slog.Logger

	observers     []Observer
	cancelOnIdle  bool
	cancelTimeout time.Duration

	source *edge
	sink   *edge
	procs  []Processor

	mu               sync.Mutex
	startedHandlers  []Handler
	idleHandlers     []Handler
	finishedHandlers []Handler
	errorHandlers    []func(ctx context.Context, f *frames.ErrorFrame)

	started    atomic.Bool
	running    atomic.Bool
	activity   chan struct{}
	cancelOnce sync.Once
	cancelCh   chan struct{}
	finishOnce sync.Once
	finished   chan struct{}
}

// NewTask wraps p between a source and a sink and queues the StartFrame.
func NewTask(p *Pipeline, params TaskParams, opts ...TaskOption) *Task {
	t := &Task{
		id:            uuid.NewString(),
		pipeline:      p,
		params:        params,
		logger:        slog.Default(),
		cancelOnIdle:  true,
		cancelTimeout: DefaultCancelTimeout,
		activity:      make(chan struct{}, 1),
		cancelCh:      make(chan struct{}),
		finished:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "pipeline.task", "task_id", t.id)

	t.source = newEdge("source", t, true)
	t.sink = newEdge("sink", t, false)

	t.procs = append(t.procs, t.source)
	t.procs = append(t.procs, p.Stages()...)
	t.procs = append(t.procs, t.sink)
	link(t.procs)
	for _, proc := range t.procs {
		proc.Base().hook = t.onPush
	}

	t.source.QueueFrame(&frames.StartFrame{
		EnableMetrics:      params.EnableMetrics,
		EnableUsageMetrics: params.EnableUsageMetrics,
		AudioInSampleRate:  params.AudioInSampleRate,
		AudioOutSampleRate: params.AudioOutSampleRate,
	}, Downstream)

	return t
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Params returns the task parameters.
func (t *Task) Params() TaskParams { return t.params }

// Pipeline returns the wrapped pipeline.
func (t *Task) Pipeline() *Pipeline { return t.pipeline }

// OnPipelineStarted registers fn to run when the StartFrame reaches the end
// of the pipeline.
func (t *Task) OnPipelineStarted(fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedHandlers = append(t.startedHandlers, fn)
}

// OnIdleTimeout registers fn to run when the idle timeout elapses.
func (t *Task) OnIdleTimeout(fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idleHandlers = append(t.idleHandlers, fn)
}

// OnPipelineFinished registers fn to run after every processor stopped.
func (t *Task) OnPipelineFinished(fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishedHandlers = append(t.finishedHandlers, fn)
}

// OnError registers fn to run when an ErrorFrame reaches the pipeline source.
func (t *Task) OnError(fn func(ctx context.Context, f *frames.ErrorFrame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandlers = append(t.errorHandlers, fn)
}

// QueueFrames injects frames at the head of the pipeline. Frames queued
// before Run are delivered after the StartFrame.
func (t *Task) QueueFrames(fs ...frames.Frame) {
	for _, f := range fs {
		t.source.QueueFrame(f, Downstream)
	}
}

// QueueFrame injects one frame.
func (t *Task) QueueFrame(f frames.Frame) { t.QueueFrames(f) }

// StopWhenDone queues an EndFrame so the task finishes after pending frames.
func (t *Task) StopWhenDone() { t.QueueFrames(&frames.EndFrame{}) }

// Cancel stops the task. Only the first call has an effect.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		t.logger.Info("cancelling pipeline task")
		t.source.QueueFrame(&frames.CancelFrame{}, Downstream)
		close(t.cancelCh)
	})
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// Done is closed once an EndFrame or CancelFrame reached the sink.
func (t *Task) Done() <-chan struct{} { return t.finished }

// Run processes frames until the pipeline ends, the task is cancelled or ctx
// is done. Every processor goroutine has exited when Run returns.
func (t *Task) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	for _, p := range t.procs {
		g.Go(func() error { return runProcessor(gctx, p) })
	}
	g.Go(func() error {
		t.supervise(gctx)
		stop()
		return nil
	})
	runErr := g.Wait()

	t.cleanup()
	t.fire(context.WithoutCancel(ctx), t.handlers(&t.finishedHandlers))

	if runErr != nil {
		t.logger.Error("pipeline task failed", "error", runErr)
		return runErr
	}
	t.logger.Info("pipeline task finished")
	return ctx.Err()
}

func (t *Task) supervise(ctx context.Context) {
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if t.params.IdleTimeout > 0 {
		idleTimer = time.NewTimer(t.params.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	cancelCh := t.cancelCh
	var cancelDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.finished:
			return
		case <-cancelCh:
			cancelCh = nil
			cancelDeadline = time.After(t.cancelTimeout)
		case <-cancelDeadline:
			t.logger.Warn("cancel frame did not reach sink in time", "timeout", t.cancelTimeout)
			return
		case <-t.activity:
			if idleTimer != nil {
				idleTimer.Reset(t.params.IdleTimeout)
			}
		case <-idle:
			t.logger.Warn("idle timeout reached", "timeout", t.params.IdleTimeout)
			t.fire(ctx, t.handlers(&t.idleHandlers))
			if t.cancelOnIdle {
				t.Cancel()
			} else {
				idleTimer.Reset(t.params.IdleTimeout)
			}
		}
	}
}

func (t *Task) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCleanupTimeout)
	defer cancel()
	for _, p := range t.procs {
		c, ok := p.(Cleaner)
		if !ok {
			continue
		}
		if err := c.Cleanup(ctx); err != nil {
			t.logger.Warn("processor cleanup failed", "processor", p.Name(), "error", err)
		}
	}
}

func (t *Task) handlers(list *[]Handler) []Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(*list)
}

func (t *Task) fire(ctx context.Context, hs []Handler) {
	for _, h := range hs {
		h(ctx)
	}
}

func (t *Task) onPush(src, dst *BaseProcessor, f frames.Frame, dir Direction) {
	if isActivity(f) {
		select {
		case t.activity <- struct{}{}:
		default:
		}
	}
	if len(t.observers) == 0 {
		return
	}
	ev := PushEvent{
		Source:      src.Name(),
		Destination: dst.Name(),
		Frame:       f,
		Direction:   dir,
		Timestamp:   time.Now(),
	}
	for _, o := range t.observers {
		o.OnPushFrame(ev)
	}
}

// handleDownstream runs on the sink for frames that left the last stage.
func (t *Task) handleDownstream(ctx context.Context, f frames.Frame) {
	switch f.(type) {
	case *frames.StartFrame:
		if t.started.CompareAndSwap(false, true) {
			t.logger.Debug("pipeline started")
			t.fire(ctx, t.handlers(&t.startedHandlers))
		}
	case *frames.EndFrame, *frames.CancelFrame:
		t.finishOnce.Do(func() { close(t.finished) })
	}
}

// handleUpstream runs on the source for frames that left the first stage.
func (t *Task) handleUpstream(ctx context.Context, f frames.Frame) {
	ef, ok := f.(*frames.ErrorFrame)
	if !ok {
		return
	}
	t.logger.Error("pipeline error", "from", ef.From, "error", ef.Err, "fatal", ef.Fatal)
	t.mu.Lock()
	hs := slices.Clone(t.errorHandlers)
	t.mu.Unlock()
	for _, h := range hs {
		h(ctx, ef)
	}
	if ef.Fatal {
		t.Cancel()
	}
}

func isActivity(f frames.Frame) bool {
	switch f.(type) {
	case *frames.UserStartedSpeakingFrame, *frames.UserStoppedSpeakingFrame,
		*frames.BotStartedSpeakingFrame, *frames.BotStoppedSpeakingFrame,
		*frames.TranscriptionFrame, *frames.LLMFullResponseEndFrame:
		return true
	}
	return false
}

// edge is the task-owned processor at either end of the pipeline.
type edge struct {
	*BaseProcessor
	task     *Task
	isSource bool
}

func newEdge(name string, t *Task, isSource bool) *edge {
	return &edge{BaseProcessor: NewBaseProcessor(name, t.logger), task: t, isSource: isSource}
}

func (e *edge) ProcessFrame(ctx context.Context, f frames.Frame, dir Direction) error {
	switch {
	case e.isSource && dir == Upstream:
		e.task.handleUpstream(ctx, f)
		return nil
	case !e.isSource && dir == Downstream:
		e.task.handleDownstream(ctx, f)
		return nil
	}
	return e.PushFrame(ctx, f, dir)
}
