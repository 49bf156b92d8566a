package pipeline

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Runner drives tasks to completion.
type Runner struct {
	logger       *slog.Logger
	handleSignal bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSignalHandling makes Run cancel the task on SIGINT/SIGTERM. Off by
// default since the server process owns signal handling.
func WithSignalHandling(enabled bool) RunnerOption {
	return func(r *Runner) { r.handleSignal = enabled }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TaskRunner is the part of a task the runner needs.
type TaskRunner interface {
	Run(ctx context.Context) error
	Cancel()
}

// Run blocks until task finishes.
func (r *Runner) Run(ctx context.Context, task TaskRunner) error {
	if r.handleSignal {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		done := make(chan struct{})
		defer func() {
			signal.Stop(sigs)
			close(done)
		}()
		go func() {
			select {
			case sig := <-sigs:
				r.logger.Info("signal received, cancelling task", "signal", sig.String())
				task.Cancel()
			case <-done:
			}
		}()
	}
	return task.Run(ctx)
}
