package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/events"
	"github.com/kaya-dev/kaya/pkg/resilience"
	"github.com/kaya-dev/kaya/pkg/worker"
)

// poolInvoker dispatches orchestrator calls onto pooled worker instances,
// retrying failed attempts under the per-worker retry policy. All pools
// share one global instance counter so the process-wide cap holds across
// worker types.
type poolInvoker struct {
	pools    map[string]*worker.Pool
	policies map[string]resilience.RetryPolicy
	clk      clock.Clock
	emitter  worker.Emitter
}

func newPoolInvoker(factories map[string]func() worker.Worker, cfg config.WorkersConfig, clk clock.Clock, emitter worker.Emitter) *poolInvoker {
	var globalCount atomic.Int64
	pools := make(map[string]*worker.Pool, len(factories))
	for name, factory := range factories {
		pools[name] = worker.NewPool(name, cfg.PoolSize, cfg.PoolAcquireTimeout, factory, &globalCount, cfg.GlobalWorkerCap)
	}
	return &poolInvoker{
		pools:    pools,
		policies: retryPolicies(cfg.Retries),
		clk:      clk,
		emitter:  emitter,
	}
}

// retryPolicies overlays configured attempt counts and base delays onto
// the per-worker defaults.
func retryPolicies(retries map[string]config.WorkerRetry) map[string]resilience.RetryPolicy {
	policies := map[string]resilience.RetryPolicy{
		worker.NameScribe: resilience.ScribePolicy,
		worker.NameCritic: resilience.CriticPolicy,
		worker.NameRunner: resilience.RunnerPolicy,
		worker.NameMedic:  resilience.MedicPolicy,
		worker.NameGemini: resilience.GeminiPolicy,
	}
	for name, r := range retries {
		p, ok := policies[name]
		if !ok {
			continue
		}
		if r.MaxAttempts > 0 {
			p.MaxAttempts = r.MaxAttempts
		}
		if r.BaseDelayS > 0 {
			p.BaseDelay = time.Duration(r.BaseDelayS * float64(time.Second))
		}
		policies[name] = p
	}
	return policies
}

func (p *poolInvoker) Invoke(ctx context.Context, name string, req worker.Request) worker.Result {
	pool, ok := p.pools[name]
	if !ok {
		return worker.Failf(resilience.CategoryInvalidInput, "unknown worker: %s", name)
	}

	var res worker.Result
	var spent float64
	op := func(ctx context.Context) error {
		res = p.invokeOnce(ctx, pool, req)
		spent += res.CostUSD
		if !res.OK {
			return &resilience.CategoryError{Category: res.Category, Message: res.Error}
		}
		return nil
	}
	notify := func(attempt int, category resilience.Category, delay time.Duration, err error) {
		if p.emitter == nil {
			return
		}
		p.emitter.Emit(events.EventRetryAttempted, map[string]any{
			"task_id":  req.TaskID,
			"agent":    name,
			"attempt":  attempt,
			"category": string(category),
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
	}
	if err := resilience.Do(ctx, p.policies[name], op, notify); err != nil && res.OK {
		// Do can fail with ctx.Err() between attempts; report it rather
		// than the stale result.
		res = worker.Fail(err, resilience.Hints{})
	}
	res.CostUSD = spent
	return res
}

func (p *poolInvoker) invokeOnce(ctx context.Context, pool *worker.Pool, req worker.Request) worker.Result {
	w, err := pool.Acquire(ctx)
	if err != nil {
		return worker.Fail(err, resilience.Hints{})
	}
	defer pool.Release(w)
	return worker.Run(ctx, w, req, p.clk, p.emitter)
}
