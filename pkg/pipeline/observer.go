package pipeline

import (
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
)

// PushEvent describes one hop of a frame between two processors.
type PushEvent struct {
	Source      string
	Destination string
	Frame       frames.Frame
	Direction   Direction
	Timestamp   time.Time
}

// Observer sees every frame hop in a task. OnPushFrame is called on the
// pushing processor's goroutine and must not block.
type Observer interface {
	OnPushFrame(ev PushEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev PushEvent)

// OnPushFrame calls f.
func (f ObserverFunc) OnPushFrame(ev PushEvent) { f(ev) }
