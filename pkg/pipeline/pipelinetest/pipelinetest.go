// Package pipelinetest provides helpers for testing pipeline processors.
package pipelinetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

// Event is one frame seen by a Collector.
type Event struct {
	Frame     frames.Frame
	Direction pipeline.Direction
}

// Collector records every frame it sees and forwards it.
type Collector struct {
	*pipeline.BaseProcessor
	mu     sync.Mutex
	events []Event
}

// NewCollector creates a named collector stage.
func NewCollector(name string) *Collector {
	return &Collector{BaseProcessor: pipeline.NewBaseProcessor(name, nil)}
}

// ProcessFrame implements pipeline.Processor.
func (c *Collector) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	c.mu.Lock()
	c.events = append(c.events, Event{f, dir})
	c.mu.Unlock()
	return c.PushFrame(ctx, f, dir)
}

// Events returns a copy of the recorded frames.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Names returns the names of frames seen travelling in dir.
func (c *Collector) Names(dir pipeline.Direction) []string {
	var out []string
	for _, e := range c.Events() {
		if e.Direction == dir {
			out = append(out, e.Frame.FrameName())
		}
	}
	return out
}

// Count returns how many frames named name travelled in dir.
func (c *Collector) Count(name string, dir pipeline.Direction) int {
	n := 0
	for _, got := range c.Names(dir) {
		if got == name {
			n++
		}
	}
	return n
}

// Index returns the position of the first frame named name, or -1.
func (c *Collector) Index(name string) int {
	for i, e := range c.Events() {
		if e.Frame.FrameName() == name {
			return i
		}
	}
	return -1
}

// Run queues fs followed by an EndFrame and runs the stages to completion.
func Run(t *testing.T, params pipeline.TaskParams, stages []pipeline.Processor, fs ...frames.Frame) {
	t.Helper()
	task := pipeline.NewTask(pipeline.New(stages...), params)
	task.QueueFrames(fs...)
	task.StopWhenDone()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

var _ pipeline.Processor = (*Collector)(nil)
