package coldstore

import (
	"context"
	"sort"
	"sync"
)

type memRecord struct {
	id       string
	text     string
	metadata map[string]string
	vec      []float32
}

// Memory is an in-process Store used in tests and when no database is
// configured. Retrieval semantics match Postgres.
type Memory struct {
	embedder Embedder

	mu      sync.RWMutex
	records map[Collection][]memRecord
	ids     map[Collection]map[string]bool
}

func NewMemory(embedder Embedder) *Memory {
	return &Memory{
		embedder: embedder,
		records:  make(map[Collection][]memRecord),
		ids:      make(map[Collection]map[string]bool),
	}
}

func (m *Memory) Save(ctx context.Context, collection Collection, id, text string, metadata map[string]string) error {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids[collection] == nil {
		m.ids[collection] = make(map[string]bool)
	}
	if m.ids[collection][id] {
		return ErrDuplicate
	}
	m.ids[collection][id] = true
	m.records[collection] = append(m.records[collection], memRecord{
		id:       id,
		text:     text,
		metadata: metadata,
		vec:      vec,
	})
	return nil
}

func (m *Memory) Search(ctx context.Context, collection Collection, query string, k int, minSimilarity float64) []Match {
	if k <= 0 {
		k = DefaultK
	}
	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []Match
	for _, rec := range m.records[collection] {
		sim := cosineSimilarity(qvec, rec.vec)
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, Match{ID: rec.id, Text: rec.text, Metadata: rec.metadata, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Len reports the record count of a collection.
func (m *Memory) Len(collection Collection) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[collection])
}
