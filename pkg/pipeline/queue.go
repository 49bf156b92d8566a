package pipeline

import (
	"context"
	"sync"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
)

type item struct {
	frame frames.Frame
	dir   Direction
}

// frameQueue is an unbounded FIFO. push never blocks, so neighbours pushing
// to each other in opposite directions cannot deadlock.
type frameQueue struct {
	mu     sync.Mutex
	items  []item
	signal chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{signal: make(chan struct{}, 1)}
}

func (q *frameQueue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *frameQueue) pop(ctx context.Context) (item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item{}, false
		case <-q.signal:
		}
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
