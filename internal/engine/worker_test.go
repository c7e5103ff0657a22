package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_Submit(t *testing.T) {
	pool := NewWorkerPool("runs", 2)
	defer pool.Shutdown()

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
	m := pool.Metrics()
	assert.Equal(t, "runs", m.Name)
	assert.Equal(t, 2, m.Size)
	assert.EqualValues(t, 1, m.Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool("nodes", 3)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(3))
	assert.EqualValues(t, 10, pool.Metrics().Completed)
}

func TestWorkerPool_PanicAndFailureMetrics(t *testing.T) {
	pool := NewWorkerPool("nodes", 2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { panic("boom") }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return errors.New("nope") }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 2, m.Failed)
	assert.EqualValues(t, 1, m.Completed)
	assert.EqualValues(t, 0, m.Active)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool("nodes", 1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool("runs", 2)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_GroupWaitsForItsOwnWork(t *testing.T) {
	pool := NewWorkerPool("nodes", 4)
	defer pool.Shutdown()

	// Unrelated long work must not hold up the group.
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))
	defer close(block)

	results := make([]int, 3)
	fns := make([]func(context.Context), 3)
	for i := range fns {
		i := i
		fns[i] = func(ctx context.Context) { results[i] = i * 10 }
	}

	done := make(chan struct{})
	go func() {
		pool.Group(context.Background(), fns, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("group did not return")
	}
	assert.Equal(t, []int{0, 10, 20}, results)
}

func TestWorkerPool_GroupReportsRejections(t *testing.T) {
	pool := NewWorkerPool("nodes", 1)
	pool.Shutdown()

	var rejected []int
	pool.Group(context.Background(), []func(context.Context){
		func(context.Context) { t.Error("must not run") },
		func(context.Context) { t.Error("must not run") },
	}, func(i int, err error) {
		assert.ErrorIs(t, err, ErrPoolShutdown)
		rejected = append(rejected, i)
	})
	assert.Equal(t, []int{0, 1}, rejected)
}
