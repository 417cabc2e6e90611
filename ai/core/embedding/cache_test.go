package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider returns a fixed vector and counts calls.
type countingProvider struct {
	vector     []float32
	dimensions int
	calls      int
	batchCalls int
	err        error
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.vector, nil
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.batchCalls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = p.vector
	}
	return out, nil
}

func (p *countingProvider) Dimensions() int {
	return p.dimensions
}

func TestCachedProvider_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("second call hits cache", func(t *testing.T) {
		inner := &countingProvider{vector: []float32{1, 2, 3}, dimensions: 3}
		cached := NewCachedProvider(inner, 10, time.Minute)

		first, err := cached.Embed(ctx, "find entrepreneurs in Chennai")
		require.NoError(t, err)
		second, err := cached.Embed(ctx, "find entrepreneurs in Chennai")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, inner.calls)

		hits, misses := cached.Stats()
		assert.Equal(t, int64(1), hits)
		assert.Equal(t, int64(1), misses)
	})

	t.Run("normalized variants share one entry", func(t *testing.T) {
		inner := &countingProvider{vector: []float32{1, 2, 3}, dimensions: 3}
		cached := NewCachedProvider(inner, 10, time.Minute)

		_, err := cached.Embed(ctx, "Find Entrepreneurs in Chennai!")
		require.NoError(t, err)
		_, err = cached.Embed(ctx, "find   entrepreneurs in chennai")
		require.NoError(t, err)

		assert.Equal(t, 1, inner.calls)
	})

	t.Run("returned vector is a copy", func(t *testing.T) {
		inner := &countingProvider{vector: []float32{1, 2, 3}, dimensions: 3}
		cached := NewCachedProvider(inner, 10, time.Minute)

		_, err := cached.Embed(ctx, "query")
		require.NoError(t, err)
		got, err := cached.Embed(ctx, "query")
		require.NoError(t, err)
		got[0] = 99

		again, err := cached.Embed(ctx, "query")
		require.NoError(t, err)
		assert.Equal(t, float32(1), again[0])
	})

	t.Run("empty vectors are not cached", func(t *testing.T) {
		inner := &countingProvider{vector: []float32{}, dimensions: 3}
		cached := NewCachedProvider(inner, 10, time.Minute)

		_, err := cached.Embed(ctx, "query")
		require.NoError(t, err)
		_, err = cached.Embed(ctx, "query")
		require.NoError(t, err)

		assert.Equal(t, 2, inner.calls)
		assert.Zero(t, cached.Size())
	})

	t.Run("provider errors are not cached", func(t *testing.T) {
		inner := &countingProvider{err: errors.New("backend down"), dimensions: 3}
		cached := NewCachedProvider(inner, 10, time.Minute)

		_, err := cached.Embed(ctx, "query")
		require.Error(t, err)
		assert.Zero(t, cached.Size())
	})
}

func TestCachedProvider_EmbedBatch(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{vector: []float32{0.5, 0.5}, dimensions: 2}
	cached := NewCachedProvider(inner, 10, time.Minute)

	// Warm one entry.
	_, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)

	vectors, err := cached.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.5, 0.5}, vectors[0])
	assert.Equal(t, []float32{0.5, 0.5}, vectors[1])

	// Only "beta" should have gone to the provider.
	assert.Equal(t, 1, inner.batchCalls)

	// Now everything is cached.
	_, err = cached.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.batchCalls)
}

func TestCachedProvider_Dimensions(t *testing.T) {
	inner := &countingProvider{dimensions: 1536}
	cached := NewCachedProvider(inner, 10, time.Minute)
	assert.Equal(t, 1536, cached.Dimensions())
}
