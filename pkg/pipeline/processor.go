// Package pipeline runs ordered chains of frame processors.
//
// Each processor owns one goroutine and one unbounded inbox. Frames pushed
// downstream go to the next stage, frames pushed upstream to the previous
// one, and ordering is preserved per direction between neighbours.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
)

// Direction is the way a frame travels through a pipeline.
type Direction int

const (
	Downstream Direction = iota
	Upstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Processor is one pipeline stage. Implementations embed *BaseProcessor and
// forward every frame they do not consume with PushFrame.
type Processor interface {
	Name() string
	ProcessFrame(ctx context.Context, f frames.Frame, dir Direction) error
	Base() *BaseProcessor
}

// Cleaner is implemented by processors holding resources that must be
// released after the pipeline stops.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// pushHook is installed by the task to observe every hop.
type pushHook func(src, dst *BaseProcessor, f frames.Frame, dir Direction)

// BaseProcessor provides queueing, linking and metrics helpers.
type BaseProcessor struct {
	name   string
	logger *slog.Logger

	queue *frameQueue
	prev  *BaseProcessor
	next  *BaseProcessor
	hook  pushHook

	wg sync.WaitGroup

	metrics      atomic.Bool
	usageMetrics atomic.Bool
}

// NewBaseProcessor creates a base with the given stage name.
func NewBaseProcessor(name string, logger *slog.Logger) *BaseProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseProcessor{
		name:   name,
		logger: logger.With("processor", name),
		queue:  newFrameQueue(),
	}
}

// Name returns the stage name.
func (b *BaseProcessor) Name() string { return b.name }

// Base returns b.
func (b *BaseProcessor) Base() *BaseProcessor { return b }

// Logger returns the processor's logger.
func (b *BaseProcessor) Logger() *slog.Logger { return b.logger }

// PushFrame sends f to the neighbour in direction dir. Frames pushed past
// either end of an unlinked processor are dropped.
func (b *BaseProcessor) PushFrame(ctx context.Context, f frames.Frame, dir Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := b.next
	if dir == Upstream {
		dst = b.prev
	}
	if dst == nil {
		return nil
	}
	frames.ID(f)
	if b.hook != nil {
		b.hook(b, dst, f, dir)
	}
	dst.queue.push(item{frame: f, dir: dir})
	return nil
}

// QueueFrame places f in this processor's own inbox.
func (b *BaseProcessor) QueueFrame(f frames.Frame, dir Direction) {
	frames.ID(f)
	b.queue.push(item{frame: f, dir: dir})
}

// PushError reports err upstream as an ErrorFrame.
func (b *BaseProcessor) PushError(ctx context.Context, err error, fatal bool) error {
	return b.PushFrame(ctx, &frames.ErrorFrame{Err: err, Fatal: fatal, From: b.name}, Upstream)
}

// Go runs fn on a goroutine that the processor waits for before its run
// loop returns. ctx should be the context passed to ProcessFrame.
func (b *BaseProcessor) Go(ctx context.Context, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

// MetricsEnabled reports whether the StartFrame enabled metrics.
func (b *BaseProcessor) MetricsEnabled() bool { return b.metrics.Load() }

// UsageMetricsEnabled reports whether the StartFrame enabled usage metrics.
func (b *BaseProcessor) UsageMetricsEnabled() bool { return b.usageMetrics.Load() }

// PushTTFB reports time to first byte when metrics are enabled.
func (b *BaseProcessor) PushTTFB(ctx context.Context, model string, d time.Duration) error {
	if !b.MetricsEnabled() {
		return nil
	}
	return b.pushMetrics(ctx, frames.MetricsData{Kind: frames.MetricTTFB, Model: model, Value: d})
}

// PushProcessing reports processing time when metrics are enabled.
func (b *BaseProcessor) PushProcessing(ctx context.Context, model string, d time.Duration) error {
	if !b.MetricsEnabled() {
		return nil
	}
	return b.pushMetrics(ctx, frames.MetricsData{Kind: frames.MetricProcessing, Model: model, Value: d})
}

// PushLLMUsage reports token usage when usage metrics are enabled.
func (b *BaseProcessor) PushLLMUsage(ctx context.Context, model string, u frames.LLMUsage) error {
	if !b.UsageMetricsEnabled() {
		return nil
	}
	return b.pushMetrics(ctx, frames.MetricsData{Kind: frames.MetricLLMUsage, Model: model, Usage: &u})
}

// PushTTSUsage reports synthesized characters when usage metrics are enabled.
func (b *BaseProcessor) PushTTSUsage(ctx context.Context, model string, chars int) error {
	if !b.UsageMetricsEnabled() {
		return nil
	}
	return b.pushMetrics(ctx, frames.MetricsData{Kind: frames.MetricTTSUsage, Model: model, Characters: chars})
}

func (b *BaseProcessor) pushMetrics(ctx context.Context, d frames.MetricsData) error {
	d.Processor = b.name
	return b.PushFrame(ctx, &frames.MetricsFrame{Data: []frames.MetricsData{d}}, Downstream)
}

// link connects processors in order.
func link(procs []Processor) {
	for i := range procs {
		b := procs[i].Base()
		b.prev, b.next = nil, nil
		if i > 0 {
			b.prev = procs[i-1].Base()
		}
		if i < len(procs)-1 {
			b.next = procs[i+1].Base()
		}
	}
}

// ErrProcessorPanic is returned by Task.Run when a processor panicked
// while handling a frame.
var ErrProcessorPanic = errors.New("pipeline: processor panicked")

// runProcessor drains p's inbox until ctx is cancelled. A panic in
// ProcessFrame is returned as an error wrapping ErrProcessorPanic.
func runProcessor(ctx context.Context, p Processor) (err error) {
	b := p.Base()
	defer b.wg.Wait()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("processor panicked", "panic", r)
			err = fmt.Errorf("%w: %s: %v", ErrProcessorPanic, b.name, r)
		}
	}()

	for {
		it, ok := b.queue.pop(ctx)
		if !ok {
			return nil
		}
		if start, ok := it.frame.(*frames.StartFrame); ok {
			b.metrics.Store(start.EnableMetrics)
			b.usageMetrics.Store(start.EnableUsageMetrics)
		}
		if err := p.ProcessFrame(ctx, it.frame, it.dir); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("process frame failed", "frame", frames.Name(it.frame), "error", err)
			_ = b.PushError(ctx, err, false)
		}
	}
}

// Passthrough is a processor that forwards every frame unchanged.
type Passthrough struct {
	*BaseProcessor
}

// NewPassthrough creates a named passthrough stage.
func NewPassthrough(name string) *Passthrough {
	return &Passthrough{BaseProcessor: NewBaseProcessor(name, nil)}
}

// ProcessFrame forwards f.
func (p *Passthrough) ProcessFrame(ctx context.Context, f frames.Frame, dir Direction) error {
	return p.PushFrame(ctx, f, dir)
}

var _ Processor = (*Passthrough)(nil)
