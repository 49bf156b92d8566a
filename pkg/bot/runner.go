package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/rtvi"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/transport"
)

// DefaultIdleTimeout ends a session with no conversation activity.
const DefaultIdleTimeout = 300 * time.Second

// Session rates. STT services expect 16 kHz; speech-to-speech services
// resample to their own input rate.
const (
	InSampleRate  = 16000
	OutSampleRate = 24000
)

// SessionInfo describes a session once its pipeline is built.
type SessionInfo struct {
	ID        string
	Config    SessionConfig
	Assembly  *Assembly
	StartedAt time.Time
}

// Listener follows sessions started by a Runner. Methods are called from
// pipeline goroutines and should return quickly.
type Listener interface {
	SessionStarted(ctx context.Context, info SessionInfo)
	SessionMessage(ctx context.Context, id string, msg rtvi.Message)
	SessionEnded(ctx context.Context, id string, err error)
}

// Runner runs one session per call to Run.
type Runner struct {
	builder     *Builder
	transports  transport.Factory
	runner      *pipeline.Runner
	logger      *slog.Logger
	idleTimeout time.Duration
	observers   []pipeline.Observer
	listener    Listener
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger for the runner and its tasks.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.idleTimeout = d }
}

// WithObservers adds observers to every task.
func WithObservers(obs ...pipeline.Observer) RunnerOption {
	return func(r *Runner) { r.observers = append(r.observers, obs...) }
}

// WithListener sets the session listener.
func WithListener(l Listener) RunnerOption {
	return func(r *Runner) { r.listener = l }
}

// NewRunner creates a runner that builds pipelines with b on transports
// created by tf.
func NewRunner(b *Builder, tf transport.Factory, opts ...RunnerOption) *Runner {
	r := &Runner{
		builder:     b,
		transports:  tf,
		logger:      slog.Default(),
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.runner = pipeline.NewRunner(pipeline.WithRunnerLogger(r.logger))
	return r
}

// Run parses raw into a SessionConfig and runs the session. It blocks until
// the client disconnects, the session idles out or ctx is done.
func (r *Runner) Run(ctx context.Context, raw map[string]any) error {
	return r.RunConfig(ctx, ParseConfig(raw))
}

// RunConfig runs one session with cfg.
func (r *Runner) RunConfig(ctx context.Context, cfg SessionConfig) error {
	tr, err := r.transports(transport.Params{
		AudioInEnabled:     true,
		AudioOutEnabled:    true,
		AudioOut10msChunks: AudioOutChunks(cfg.Mode),
	})
	if err != nil {
		return fmt.Errorf("bot: create transport: %w", err)
	}
	defer tr.Close()

	id := tr.ID()
	logger := r.logger.With("session", id)

	systemMessage := BuildSystemMessage(cfg)
	asm, err := r.builder.Build(ctx, cfg.Mode, tr, systemMessage, tools.SandboxTools(), cfg)
	if err != nil {
		return err
	}

	observer := rtvi.NewObserver(tr,
		rtvi.WithLogger(logger),
		rtvi.WithFunctionCallReportLevel(map[string]rtvi.ReportLevel{"*": rtvi.ReportFull}),
		rtvi.WithMessageHook(func(msg rtvi.Message) {
			if r.listener != nil {
				r.listener.SessionMessage(ctx, id, msg)
			}
		}),
	)
	task := pipeline.NewTask(asm.Pipeline, pipeline.TaskParams{
		EnableMetrics:      true,
		EnableUsageMetrics: true,
		IdleTimeout:        r.idleTimeout,
		AudioInSampleRate:  InSampleRate,
		AudioOutSampleRate: OutSampleRate,
	},
		pipeline.WithObservers(append([]pipeline.Observer{observer}, r.observers...)...),
		pipeline.WithTaskLogger(logger),
	)

	task.OnPipelineStarted(func(ctx context.Context) {
		logger.Info("pipeline started, queueing initial greeting")
		task.QueueFrames(&frames.LLMRunFrame{})
	})
	task.OnIdleTimeout(func(ctx context.Context) {
		logger.Info("session idle, ending", "timeout", r.idleTimeout)
	})
	tr.OnClientConnected(func(ctx context.Context, client string) {
		logger.Info("client connected", "client", client)
	})
	tr.OnClientDisconnected(func(ctx context.Context, client string) {
		logger.Info("client disconnected", "client", client)
		task.Cancel()
	})

	if r.listener != nil {
		r.listener.SessionStarted(ctx, SessionInfo{
			ID:        id,
			Config:    cfg,
			Assembly:  asm,
			StartedAt: time.Now(),
		})
	}
	err = r.runner.Run(ctx, task)
	if r.listener != nil {
		r.listener.SessionEnded(context.WithoutCancel(ctx), id, err)
	}
	return err
}
