package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWorker struct{ id int }

func (nopWorker) Name() string                           { return "nop" }
func (nopWorker) Handle(context.Context, Request) Result { return Result{OK: true} }

func TestPoolRecyclesInstances(t *testing.T) {
	var global atomic.Int64
	next := 0
	p := NewPool("nop", 2, 50*time.Millisecond, func() Worker {
		next++
		return nopWorker{id: next}
	}, &global, 10)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), global.Load())

	p.Release(a)
	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, c)
	p.Release(b)
	p.Release(c)
}

func TestPoolCreatesOnDemandUnderGlobalCap(t *testing.T) {
	var global atomic.Int64
	p := NewPool("nop", 1, 20*time.Millisecond, func() Worker { return nopWorker{} }, &global, 3)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Pool is empty; after the acquire timeout an overflow instance
	// appears because the global cap still has room.
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, int64(2), global.Load())

	p.Release(a)
	p.Release(b)
	// One of the two went back to the single-slot pool, the other was
	// discarded and uncounted.
	assert.Equal(t, int64(1), global.Load())
}

func TestPoolGlobalCapBlocksOverflow(t *testing.T) {
	var global atomic.Int64
	p := NewPool("nop", 1, 20*time.Millisecond, func() Worker { return nopWorker{} }, &global, 1)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.Error(t, err)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	var global atomic.Int64
	p := NewPool("nop", 1, time.Minute, func() Worker { return nopWorker{} }, &global, 5)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
