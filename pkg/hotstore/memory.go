package hotstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kaya-dev/kaya/pkg/clock"
)

// Memory is an in-process Store with TTL support. It backs tests and the
// degraded-mode fallback; it is bounded only by what callers put in it, so
// degraded wrappers cap what they delegate.
type Memory struct {
	clk clock.Clock

	mu      sync.Mutex
	kv      map[string]memEntry
	zsets   map[string]map[string]float64
	zsetExp map[string]time.Time
	lists   map[string][]string
	listExp map[string]time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:     clk,
		kv:      make(map[string]memEntry),
		zsets:   make(map[string]map[string]float64),
		zsetExp: make(map[string]time.Time),
		lists:   make(map[string][]string),
		listExp: make(map[string]time.Time),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) expired(at time.Time) bool {
	return !at.IsZero() && m.clk.Now().After(at)
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clk.Now().Add(ttl)
}

func (m *Memory) liveValue(key string) (string, bool) {
	e, ok := m.kv[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.kv, key)
		return "", false
	}
	return e.value, true
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.liveValue(key)
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.zsets, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if v, ok := m.liveValue(key); ok {
		cur, _ = strconv.ParseInt(v, 10, 64)
	}
	cur += delta
	m.kv[key] = memEntry{value: strconv.FormatInt(cur, 10), expiresAt: m.expiry(ttl)}
	return cur, nil
}

func (m *Memory) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur float64
	if v, ok := m.liveValue(key); ok {
		cur, _ = strconv.ParseFloat(v, 64)
	}
	cur += delta
	m.kv[key] = memEntry{value: strconv.FormatFloat(cur, 'f', -1, 64), expiresAt: m.expiry(ttl)}
	return cur, nil
}

func (m *Memory) CompareAndSet(_ context.Context, key, expect, next string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.liveValue(key)
	if (!ok && expect == "") || (ok && cur == expect) {
		m.kv[key] = memEntry{value: next, expiresAt: m.expiry(ttl)}
		return true, nil
	}
	return false, nil
}

func (m *Memory) liveZSet(key string) map[string]float64 {
	if m.expired(m.zsetExp[key]) {
		delete(m.zsets, key)
		delete(m.zsetExp, key)
	}
	return m.zsets[key]
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.liveZSet(key)
	if set == nil {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	if ttl > 0 {
		m.zsetExp[key] = m.expiry(ttl)
	}
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMember
	for member, score := range m.liveZSet(key) {
		if score >= min && score <= max {
			out = append(out, ScoredMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (m *Memory) ZRevRange(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []ScoredMember
	for member, score := range m.liveZSet(key) {
		all = append(all, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Member < all[j].Member
	})
	n := int64(len(all))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	if stop < start {
		return nil, nil
	}
	return all[start : stop+1], nil
}

func (m *Memory) ZRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.liveZSet(key); set != nil {
		delete(set, member)
	}
	return nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.liveZSet(key))), nil
}

func (m *Memory) liveList(key string) []string {
	if m.expired(m.listExp[key]) {
		delete(m.lists, key)
		delete(m.listExp, key)
	}
	return m.lists[key]
}

func (m *Memory) ListPush(_ context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.liveList(key), value)
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = list[int64(len(list))-maxLen:]
	}
	m.lists[key] = list
	if ttl > 0 {
		m.listExp[key] = m.expiry(ttl)
	}
	return nil
}

func (m *Memory) ListRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.liveList(key)...), nil
}
