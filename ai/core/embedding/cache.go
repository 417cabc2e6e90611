package embedding

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sangamhq/sangam/ai/cache"
	"github.com/sangamhq/sangam/ai/normalize"
)

// CachedProvider fronts a Provider with an LRU cache keyed on normalized
// query text, so repeated and near-duplicate queries skip the network call.
type CachedProvider struct {
	provider Provider
	cache    *cache.LRUCache[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedProvider wraps provider with a cache of the given capacity and
// entry TTL.
func NewCachedProvider(provider Provider, capacity int, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		provider: provider,
		cache:    cache.NewLRUCache[string, []float32](capacity, ttl),
	}
}

// cacheKey canonicalizes text so that case, punctuation, and whitespace
// variants share one entry. All-punctuation inputs normalize to the empty
// string; fall back to the raw text so they do not collide.
func cacheKey(text string) string {
	key := normalize.Query(text)
	if key == "" {
		return text
	}
	return key
}

// Embed returns the cached vector for text when present, otherwise asks the
// underlying provider and caches the result. Vectors are copied on both
// insert and return, so callers may mutate what they get back.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vector, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return copyVector(vector), nil
	}
	c.misses.Add(1)

	vector, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	// Empty vectors are provider glitches, not cacheable results.
	if len(vector) > 0 {
		c.cache.SetWithDefaultTTL(key, copyVector(vector))
	}
	return vector, nil
}

// EmbedBatch serves what it can from the cache and asks the provider only for
// the misses, preserving input order in the result.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	missing := []int{}
	missingTexts := []string{}

	for i, text := range texts {
		if vector, ok := c.cache.Get(cacheKey(text)); ok {
			c.hits.Add(1)
			vectors[i] = copyVector(vector)
			continue
		}
		c.misses.Add(1)
		missing = append(missing, i)
		missingTexts = append(missingTexts, text)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	fetched, err := c.provider.EmbedBatch(ctx, missingTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		vectors[i] = fetched[j]
		if len(fetched[j]) > 0 {
			c.cache.SetWithDefaultTTL(cacheKey(texts[i]), copyVector(fetched[j]))
		}
	}
	return vectors, nil
}

func (c *CachedProvider) Dimensions() int {
	return c.provider.Dimensions()
}

// Stats returns cumulative cache hits and misses.
func (c *CachedProvider) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the current number of cached vectors.
func (c *CachedProvider) Size() int {
	return c.cache.Size()
}

// StartSweep evicts expired entries every interval until ctx is cancelled.
func (c *CachedProvider) StartSweep(ctx context.Context, interval time.Duration) {
	c.cache.StartSweep(ctx, interval)
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
