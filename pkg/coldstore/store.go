// Package coldstore is the permanent, embedding-indexed memory of past
// successes, fixes, and human annotations. The core only appends and
// retrieves by similarity; everything else (embedding model, storage
// engine) stays behind the Store interface.
//
// Cold store failures degrade to empty results. Retrieval is best-effort
// context for the workers, never a pipeline dependency.
package coldstore

import (
	"context"
	"errors"
)

// ErrDuplicate is returned when saving an id that already exists in the
// collection.
var ErrDuplicate = errors.New("coldstore: duplicate record id")

// Collection names the three logical record sets.
type Collection string

const (
	CollectionTestSuccess Collection = "test_success"
	CollectionBugFixes    Collection = "bug_fixes"
	CollectionAnnotations Collection = "hitl_annotations"
)

// Match is one retrieval hit.
type Match struct {
	ID         string
	Text       string
	Metadata   map[string]string
	Similarity float64
}

// Store is the append-and-retrieve contract.
type Store interface {
	// Save appends a record. Append-only: saving an existing id in the
	// same collection overwrites nothing and returns ErrDuplicate.
	Save(ctx context.Context, collection Collection, id, text string, metadata map[string]string) error
	// Search returns up to k records with similarity ≥ minSimilarity,
	// best first. Failures yield an empty slice, not an error the caller
	// must branch on.
	Search(ctx context.Context, collection Collection, query string, k int, minSimilarity float64) []Match
}

// DefaultK and DefaultMinSimilarity are the retrieval defaults.
const (
	DefaultK             = 5
	DefaultMinSimilarity = 0.7
)
