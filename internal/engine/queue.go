package engine

import (
	"context"
	"sync"
)

type queuedRun struct {
	ctx context.Context
	rs  *runState
}

// runQueue is the unbounded FIFO of submitted runs waiting for a run slot.
type runQueue struct {
	mu     sync.Mutex
	items  []queuedRun
	closed bool
	signal chan struct{}
}

func newRunQueue() *runQueue {
	return &runQueue{signal: make(chan struct{}, 1)}
}

// push reports false once the queue is closed.
func (q *runQueue) push(r queuedRun) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a run is queued or stop is closed.
func (q *runQueue) pop(stop <-chan struct{}) (queuedRun, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = queuedRun{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-stop:
			return queuedRun{}, false
		}
	}
}

// close refuses further pushes and hands back whatever was still queued.
func (q *runQueue) close() []queuedRun {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
