package coldstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{0, 0}))
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := LocalEmbedder{}

	a, err := e.Embed(ctx, "login test with oauth")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "login test with oauth")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, e.Dimensions())

	// Same tokens, different order: bag-of-words embedding is identical.
	c, err := e.Embed(ctx, "oauth login with test")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, cosineSimilarity(a, c), 1e-6)
}

func TestMemorySaveAndSearch(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(LocalEmbedder{})

	require.NoError(t, store.Save(ctx, CollectionTestSuccess, "p1",
		"playwright test for login form with email and password", map[string]string{"path": "tests/login.spec.ts"}))
	require.NoError(t, store.Save(ctx, CollectionTestSuccess, "p2",
		"checkout flow with stripe payment", nil))

	matches := store.Search(ctx, CollectionTestSuccess, "playwright test for login form with email and password", 5, 0.7)
	require.NotEmpty(t, matches)
	assert.Equal(t, "p1", matches[0].ID)
	assert.Equal(t, "tests/login.spec.ts", matches[0].Metadata["path"])
	assert.GreaterOrEqual(t, matches[0].Similarity, 0.7)
}

func TestMemorySaveDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(LocalEmbedder{})

	require.NoError(t, store.Save(ctx, CollectionBugFixes, "f1", "null pointer in cart", nil))
	err := store.Save(ctx, CollectionBugFixes, "f1", "something else", nil)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, store.Len(CollectionBugFixes))

	// Same id in a different collection is fine.
	require.NoError(t, store.Save(ctx, CollectionAnnotations, "f1", "reviewer note", nil))
}

func TestMemorySearchHonorsKAndThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(LocalEmbedder{})

	texts := []string{
		"login page test one",
		"login page test two",
		"login page test three",
		"totally unrelated kafka consumer rebalance",
	}
	for i, text := range texts {
		require.NoError(t, store.Save(ctx, CollectionTestSuccess, texts[i][:8]+string(rune('a'+i)), text, nil))
	}

	matches := store.Search(ctx, CollectionTestSuccess, "login page test one", 2, 0.5)
	assert.Len(t, matches, 2)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, 0.5)
	}

	// A threshold of 1.01 can never be met.
	assert.Empty(t, store.Search(ctx, CollectionTestSuccess, "login page test one", 5, 1.01))
}

func TestMemorySearchEmptyCollection(t *testing.T) {
	store := NewMemory(LocalEmbedder{})
	assert.Empty(t, store.Search(context.Background(), CollectionBugFixes, "anything", 5, 0.7))
}

type countingEmbedder struct {
	LocalEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.LocalEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	a, err := cached.Embed(ctx, "same text")
	require.NoError(t, err)
	b, err := cached.Embed(ctx, "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, inner.calls)

	_, err = cached.Embed(ctx, "other text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
