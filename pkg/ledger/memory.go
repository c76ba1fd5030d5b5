package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink keeps entries in process. Used in tests and when no
// database is configured; the spend queries still work, they just do
// not survive restarts.
type MemorySink struct {
	mu      sync.RWMutex
	entries []CostEntry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) WriteBatch(_ context.Context, entries []CostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Entries returns a snapshot of everything written.
func (s *MemorySink) Entries() []CostEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CostEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemorySink) SpendBySession(_ context.Context, sessionID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			total += e.CostUSD
		}
	}
	return total, nil
}

func (s *MemorySink) SpendByWorker(_ context.Context, since time.Time) (map[string]float64, error) {
	return s.grouped(since, func(e CostEntry) string { return e.Worker }), nil
}

func (s *MemorySink) SpendByModel(_ context.Context, since time.Time) (map[string]float64, error) {
	return s.grouped(since, func(e CostEntry) string { return e.Model }), nil
}

func (s *MemorySink) SpendByHour(_ context.Context, since time.Time) ([]HourlySpend, error) {
	byHour := s.grouped(since, func(e CostEntry) string {
		return e.Timestamp.UTC().Format("2006-01-02-15")
	})
	hours := make([]string, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Strings(hours)
	out := make([]HourlySpend, 0, len(hours))
	for _, h := range hours {
		out = append(out, HourlySpend{Hour: h, CostUSD: byHour[h]})
	}
	return out, nil
}

func (s *MemorySink) grouped(since time.Time, key func(CostEntry) string) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64)
	for _, e := range s.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		out[key(e)] += e.CostUSD
	}
	return out
}
