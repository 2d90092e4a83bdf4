package worker

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

func TestPoolProcessesWork(t *testing.T) {
	var processed int64
	var wg sync.WaitGroup

	pool := NewPool(2, 10, func(_ context.Context, _ int) error {
		atomic.AddInt64(&processed, 1)
		wg.Done()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(time.Second) }()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(i))
	}
	wg.Wait()

	assert.Equal(t, int64(5), atomic.LoadInt64(&processed))
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ string) error { return nil })

	err := pool.Submit("work")
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(block)
		_ = pool.Stop(time.Second)
	}()

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	// Give the worker a moment to pick up the first item.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Submit(2))

	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPoolDoubleStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolStopRejectsFurtherSubmits(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
	// Second stop is a no-op.
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPoolCountsFailures(t *testing.T) {
	var wg sync.WaitGroup
	pool := NewPool(1, 10, func(_ context.Context, fail bool) error {
		defer wg.Done()
		if fail {
			return errors.New("processor error")
		}
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(time.Second) }()

	wg.Add(3)
	require.NoError(t, pool.Submit(true))
	require.NoError(t, pool.Submit(false))
	require.NoError(t, pool.Submit(true))
	wg.Wait()

	// Processed counter includes failed items.
	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestNewPoolNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}
