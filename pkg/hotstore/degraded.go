package hotstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// warnWindow limits degraded-mode warning logs to one per window.
const warnWindow = 30 * time.Second

// reprobeInterval is how often the wrapper retries the primary store after
// entering degraded mode.
const reprobeInterval = 15 * time.Second

// Degraded wraps a primary Store with graceful degradation: when the
// primary becomes unreachable, writes turn into no-ops, reads return empty,
// and the orchestrator keeps running. The condition is observable via
// IsDegraded for health output.
type Degraded struct {
	primary Store

	mu         sync.Mutex
	degraded   bool
	lastWarn   time.Time
	lastProbe  time.Time
	timeSource func() time.Time
}

// NewDegraded wraps primary.
func NewDegraded(primary Store) *Degraded {
	return &Degraded{primary: primary, timeSource: time.Now}
}

// IsDegraded reports whether the wrapper is currently bypassing the primary.
func (d *Degraded) IsDegraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// usable reports whether the primary should be attempted. While degraded,
// it allows one probe per reprobeInterval.
func (d *Degraded) usable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.degraded {
		return true
	}
	now := d.timeSource()
	if now.Sub(d.lastProbe) >= reprobeInterval {
		d.lastProbe = now
		return true
	}
	return false
}

// observe records the outcome of a primary call.
func (d *Degraded) observe(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		if d.degraded {
			slog.Info("Hot store recovered, leaving degraded mode")
		}
		d.degraded = false
		return
	}
	d.degraded = true
	now := d.timeSource()
	if now.Sub(d.lastWarn) >= warnWindow {
		d.lastWarn = now
		slog.Warn("Hot store unreachable, degraded mode active", "op", op, "error", err)
	}
}

func (d *Degraded) Ping(ctx context.Context) error {
	err := d.primary.Ping(ctx)
	d.observe("ping", err)
	return err
}

func (d *Degraded) Get(ctx context.Context, key string) (string, bool, error) {
	if !d.usable() {
		return "", false, nil
	}
	v, ok, err := d.primary.Get(ctx, key)
	d.observe("get", err)
	if err != nil {
		return "", false, nil
	}
	return v, ok, nil
}

func (d *Degraded) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !d.usable() {
		return nil
	}
	d.observe("set", d.primary.Set(ctx, key, value, ttl))
	return nil
}

func (d *Degraded) Delete(ctx context.Context, key string) error {
	if !d.usable() {
		return nil
	}
	d.observe("delete", d.primary.Delete(ctx, key))
	return nil
}

func (d *Degraded) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if !d.usable() {
		return 0, nil
	}
	n, err := d.primary.IncrBy(ctx, key, delta, ttl)
	d.observe("incrby", err)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (d *Degraded) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	if !d.usable() {
		return 0, nil
	}
	n, err := d.primary.IncrByFloat(ctx, key, delta, ttl)
	d.observe("incrbyfloat", err)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (d *Degraded) CompareAndSet(ctx context.Context, key, expect, next string, ttl time.Duration) (bool, error) {
	if !d.usable() {
		return false, nil
	}
	ok, err := d.primary.CompareAndSet(ctx, key, expect, next, ttl)
	d.observe("cas", err)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

func (d *Degraded) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	if !d.usable() {
		return nil
	}
	d.observe("zadd", d.primary.ZAdd(ctx, key, score, member, ttl))
	return nil
}

func (d *Degraded) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	if !d.usable() {
		return nil, nil
	}
	ms, err := d.primary.ZRangeByScore(ctx, key, min, max)
	d.observe("zrangebyscore", err)
	if err != nil {
		return nil, nil
	}
	return ms, nil
}

func (d *Degraded) ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	if !d.usable() {
		return nil, nil
	}
	ms, err := d.primary.ZRevRange(ctx, key, start, stop)
	d.observe("zrevrange", err)
	if err != nil {
		return nil, nil
	}
	return ms, nil
}

func (d *Degraded) ZRem(ctx context.Context, key, member string) error {
	if !d.usable() {
		return nil
	}
	d.observe("zrem", d.primary.ZRem(ctx, key, member))
	return nil
}

func (d *Degraded) ZCard(ctx context.Context, key string) (int64, error) {
	if !d.usable() {
		return 0, nil
	}
	n, err := d.primary.ZCard(ctx, key)
	d.observe("zcard", err)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (d *Degraded) ListPush(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	if !d.usable() {
		return nil
	}
	d.observe("listpush", d.primary.ListPush(ctx, key, value, maxLen, ttl))
	return nil
}

func (d *Degraded) ListRange(ctx context.Context, key string) ([]string, error) {
	if !d.usable() {
		return nil, nil
	}
	vs, err := d.primary.ListRange(ctx, key)
	d.observe("listrange", err)
	if err != nil {
		return nil, nil
	}
	return vs, nil
}
