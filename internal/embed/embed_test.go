package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestStaticEmbedder_DeterministicUnitVectors(t *testing.T) {
	e := NewStaticEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Reconciliation converges the index toward desired state")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Reconciliation converges the index toward desired state")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestStaticEmbedder_SimilarTextScoresHigher(t *testing.T) {
	e := NewStaticEmbedder(256)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "vector index rebuilt after the document was edited")
	near, _ := e.Embed(ctx, "the vector index is rebuilt when a document is edited")
	far, _ := e.Embed(ctx, "quarterly revenue grew in every region")

	assert.Greater(t, dot(base, near), dot(base, far))
}

func TestStaticEmbedder_EmptyAndClosed(t *testing.T) {
	e := NewStaticEmbedder(0)
	ctx := context.Background()

	vec, err := e.Embed(ctx, "   ")
	require.NoError(t, err)
	assert.Len(t, vec, DefaultStaticDimensions)
	assert.Zero(t, norm(vec))

	require.NoError(t, e.Close())
	_, err = e.Embed(ctx, "after close")
	assert.Error(t, err)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, Words("Hello, WORLD! 42"))
	assert.Empty(t, Words("--- ..."))
}

// countingEmbedder records how many texts reach it.
type countingEmbedder struct {
	*StaticEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls += len(texts)
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_OnlyMissesReachInner(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(32)}
	c := NewCachedEmbedder(inner, 16)
	ctx := context.Background()

	// Given: one text already cached
	_, err := c.Embed(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	// When: a batch mixes the cached text with new ones
	out, err := c.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})

	// Then: only the two misses were embedded and order is preserved
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
	want, _ := inner.StaticEmbedder.Embed(ctx, "gamma")
	assert.Equal(t, want, out[2])
	assert.Equal(t, 3, c.Len())
}

func TestCachedEmbedder_EvictsLeastRecentlyUsed(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(32)}
	c := NewCachedEmbedder(inner, 2)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c", "a"} {
		_, err := c.Embed(ctx, s)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, inner.calls, "a was evicted by c")
	assert.Equal(t, 2, c.Len())
}
