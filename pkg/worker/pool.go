package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Pool recycles worker instances of one type. Acquire blocks up to the
// acquire timeout; past that it creates a fresh instance on demand as
// long as the global cap across all pools has headroom.
type Pool struct {
	name           string
	instances      chan Worker
	factory        func() Worker
	acquireTimeout time.Duration

	globalCount *atomic.Int64
	globalCap   int64
}

// NewPool pre-fills size instances from the factory. globalCount and
// globalCap are shared across all pools of a runtime.
func NewPool(name string, size int, acquireTimeout time.Duration, factory func() Worker, globalCount *atomic.Int64, globalCap int) *Pool {
	if size <= 0 {
		size = 3
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	p := &Pool{
		name:           name,
		instances:      make(chan Worker, size),
		factory:        factory,
		acquireTimeout: acquireTimeout,
		globalCount:    globalCount,
		globalCap:      int64(globalCap),
	}
	for i := 0; i < size; i++ {
		p.instances <- factory()
		globalCount.Add(1)
	}
	return p
}

// Acquire returns a pooled instance, or an overflow instance when the
// pool stays empty past the timeout and the global cap allows.
func (p *Pool) Acquire(ctx context.Context) (Worker, error) {
	select {
	case w := <-p.instances:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.acquireTimeout):
	}

	if p.globalCount.Add(1) > p.globalCap {
		p.globalCount.Add(-1)
		return nil, fmt.Errorf("worker pool %s exhausted and global cap reached", p.name)
	}
	return p.factory(), nil
}

// Release returns an instance to the pool. Overflow instances past the
// pool size are discarded.
func (p *Pool) Release(w Worker) {
	select {
	case p.instances <- w:
	default:
		p.globalCount.Add(-1)
	}
}
