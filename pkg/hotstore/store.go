// Package hotstore is the transient shared state layer: TTL-bound KV,
// sorted sets, counters, and bounded lists holding sessions, tasks, queues,
// HITL entries, and metric buckets.
//
// Two implementations exist: Redis (production) and Memory (tests and the
// degraded-mode fallback). All task/session mutations in the system go
// through this API — there are no in-process singletons holding task state.
package hotstore

import (
	"context"
	"time"
)

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the keyed state contract shared by the Redis and Memory
// implementations. A zero TTL means "no expiry"; setting a TTL on an
// existing key refreshes it.
type Store interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrBy atomically adds delta to an integer counter, creating it at 0.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// IncrByFloat atomically adds delta to a float counter, creating it at 0.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// CompareAndSet writes next only if the key currently holds expect.
	// expect == "" matches an absent key. Returns whether the swap happened.
	CompareAndSet(ctx context.Context, key, expect, next string, ttl time.Duration) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	// ZRevRange returns members by descending score, rank start..stop
	// (inclusive, -1 for end).
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZRem(ctx context.Context, key, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// ListPush appends value and trims the list to its last maxLen entries
	// (maxLen ≤ 0 leaves it unbounded).
	ListPush(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	ListRange(ctx context.Context, key string) ([]string, error)
}
