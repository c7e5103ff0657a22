package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a point-in-time view of a WorkerPool.
type PoolMetrics struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Panics    int64  `json:"panics"`
}

var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool caps how many functions run at once. The engine keeps one
// "runs" pool for submitted runs, and each driven run gets its own "nodes"
// pool for the nodes of its waves.
type WorkerPool struct {
	name  string
	slots chan struct{}
	stop  chan struct{}

	// mu guards closed and orders inflight.Add before Shutdown's Wait.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

func NewWorkerPool(name string, size int) *WorkerPool {
	return &WorkerPool{
		name:  name,
		slots: make(chan struct{}, max(size, 1)),
		stop:  make(chan struct{}),
	}
}

// Submit starts fn once a slot frees up. It gives up with ctx's error or
// ErrPoolShutdown while waiting. A panic in fn is recovered and counted.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}
	if !p.enter() {
		<-p.slots
		return ErrPoolShutdown
	}
	go p.exec(ctx, fn)
	return nil
}

func (p *WorkerPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *WorkerPool) enter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	p.active.Add(1)
	return true
}

func (p *WorkerPool) exec(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.inflight.Done()
	}()
	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Group runs every fn on the pool and returns when all of them are done,
// regardless of other work in flight. A fn that cannot be submitted does
// not run; onReject, when set, gets its index and the error.
func (p *WorkerPool) Group(ctx context.Context, fns []func(ctx context.Context), onReject func(i int, err error)) {
	var group sync.WaitGroup
	group.Add(len(fns))
	for i, fn := range fns {
		err := p.Submit(ctx, func(ctx context.Context) error {
			defer group.Done()
			fn(ctx)
			return nil
		})
		if err == nil {
			continue
		}
		group.Done()
		if onReject != nil {
			onReject(i, err)
		}
	}
	group.Wait()
}

// Wait blocks until everything submitted so far has finished.
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Shutdown refuses new work and waits for running work. It is idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.inflight.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Name:      p.name,
		Size:      cap(p.slots),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
