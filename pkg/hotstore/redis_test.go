package hotstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedis(mr.Addr(), 0)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisGetSetTTL(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "session:s1", `{"id":"s1"}`, time.Hour))
	v, ok, err := store.Get(ctx, "session:s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"s1"}`, v)

	mr.FastForward(2 * time.Hour)
	_, ok, err = store.Get(ctx, "session:s1")
	require.NoError(t, err)
	assert.False(t, ok, "session should expire after its TTL")
}

func TestRedisCounters(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	n, err := store.IncrBy(ctx, MedicAttemptsKey("t1"), 1, TaskTTL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.IncrBy(ctx, MedicAttemptsKey("t1"), 1, TaskTTL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	f, err := store.IncrByFloat(ctx, BudgetKey("s1"), 0.25, SessionTTL)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-9)
	f, err = store.IncrByFloat(ctx, BudgetKey("s1"), 0.50, SessionTTL)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, f, 1e-9)
}

func TestRedisCompareAndSet(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()
	key := TaskStatusKey("t1")

	// Absent key matches empty expect.
	ok, err := store.CompareAndSet(ctx, key, "", "queued", TaskTTL)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSet(ctx, key, "queued", "in_progress", TaskTTL)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expectation loses.
	ok, err = store.CompareAndSet(ctx, key, "queued", "failed", TaskTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "in_progress", v)
}

func TestRedisSortedSets(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, HITLQueueKey, 0.4, "t1", 0))
	require.NoError(t, store.ZAdd(ctx, HITLQueueKey, 0.9, "t2", 0))
	require.NoError(t, store.ZAdd(ctx, HITLQueueKey, 0.6, "t3", 0))

	top, err := store.ZRevRange(ctx, HITLQueueKey, 0, 1)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "t2", top[0].Member)
	assert.Equal(t, "t3", top[1].Member)

	mid, err := store.ZRangeByScore(ctx, HITLQueueKey, 0.5, 0.8)
	require.NoError(t, err)
	require.Len(t, mid, 1)
	assert.Equal(t, "t3", mid[0].Member)

	require.NoError(t, store.ZRem(ctx, HITLQueueKey, "t2"))
	n, err := store.ZCard(ctx, HITLQueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisBoundedList(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()
	key := MedicHistoryKey("t1")

	for i := 0; i < 13; i++ {
		require.NoError(t, store.ListPush(ctx, key, string(rune('a'+i)), 10, TaskTTL))
	}
	vals, err := store.ListRange(ctx, key)
	require.NoError(t, err)
	require.Len(t, vals, 10, "history ring keeps the last 10 attempts")
	assert.Equal(t, "d", vals[0])
	assert.Equal(t, "m", vals[9])
}

func TestDegradedFallsBackAndRecovers(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedis(mr.Addr(), 0)
	t.Cleanup(func() { _ = store.Close() })
	d := NewDegraded(store)
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, "k", "v", 0))
	assert.False(t, d.IsDegraded())

	mr.Close()

	// Writes become no-ops, reads return empty, no errors escape.
	require.NoError(t, d.Set(ctx, "k2", "v2", 0))
	v, ok, err := d.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.True(t, d.IsDegraded())

	n, err := d.IncrBy(ctx, "counter", 1, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	ms, err := d.ZRevRange(ctx, HITLQueueKey, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, ms)

	casOK, err := d.CompareAndSet(ctx, "task:t:status", "", "queued", 0)
	require.NoError(t, err)
	assert.False(t, casOK)

	// Health probes always hit the primary; a successful one clears the flag.
	require.NoError(t, mr.Restart())
	require.NoError(t, d.Ping(ctx))
	assert.False(t, d.IsDegraded())
}

func TestDegradedWarnOncePerWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedis(mr.Addr(), 0)
	t.Cleanup(func() { _ = store.Close() })
	d := NewDegraded(store)
	ctx := context.Background()

	now := time.Now()
	d.timeSource = func() time.Time { return now }

	mr.Close()
	require.NoError(t, d.Set(ctx, "a", "1", 0))
	require.True(t, d.IsDegraded())

	// While inside the reprobe window, the primary is not touched again.
	require.NoError(t, d.Set(ctx, "b", "2", 0))
	require.True(t, d.IsDegraded())

	// After the reprobe interval the wrapper tries the primary once more.
	now = now.Add(reprobeInterval + time.Second)
	require.NoError(t, d.Set(ctx, "c", "3", 0))
	require.True(t, d.IsDegraded())
}
