package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sangamhq/sangam/ai/cache"
	"github.com/sangamhq/sangam/ai/intent"
	"github.com/sangamhq/sangam/ai/normalize"
)

// resultCacheEntry is the stored form of one extraction outcome.
type resultCacheEntry struct {
	Extraction Result        `json:"extraction"`
	Intent     intent.Result `json:"intent"`
	Timestamp  int64         `json:"timestamp"`
}

// ResultCache caches complete extraction outcomes keyed on the normalized
// query, so repeated queries skip both the pattern pass and any LLM call.
// LLM-derived results keep a longer TTL since they are the expensive ones.
type ResultCache struct {
	cache        *cache.LRUCache[string, []byte]
	defaultTTL   time.Duration
	llmResultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// ResultCacheConfig contains configuration for ResultCache.
type ResultCacheConfig struct {
	Capacity     int           // maximum number of entries (default: 512)
	DefaultTTL   time.Duration // TTL for regex-only results (default: 5min)
	LLMResultTTL time.Duration // TTL for LLM-derived results (default: 30min)
}

// NewResultCache creates an extraction result cache.
func NewResultCache(cfg ResultCacheConfig) *ResultCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 512
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.LLMResultTTL <= 0 {
		cfg.LLMResultTTL = 30 * time.Minute
	}

	return &ResultCache{
		cache:        cache.NewLRUCache[string, []byte](cfg.Capacity, cfg.DefaultTTL),
		defaultTTL:   cfg.DefaultTTL,
		llmResultTTL: cfg.LLMResultTTL,
	}
}

// Get retrieves a cached extraction for the query. Hits come back with
// Method set to MethodCached; the stored entities, confidence and intent are
// returned as they were produced.
func (c *ResultCache) Get(query string) (Result, intent.Result, bool) {
	data, found := c.cache.Get(c.hashKey(query))
	if !found {
		c.misses.Add(1)
		return Result{}, intent.Result{}, false
	}

	var entry resultCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Debug("failed to unmarshal extraction cache entry", "error", err)
		c.misses.Add(1)
		return Result{}, intent.Result{}, false
	}

	c.hits.Add(1)
	entry.Extraction.Method = MethodCached
	return entry.Extraction, entry.Intent, true
}

// Set stores an extraction outcome. Results that consulted the LLM get the
// longer TTL.
func (c *ResultCache) Set(query string, result Result, intentResult intent.Result) {
	entry := resultCacheEntry{
		Extraction: result,
		Intent:     intentResult,
		Timestamp:  time.Now().Unix(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("failed to marshal extraction cache entry", "error", err)
		return
	}

	ttl := c.defaultTTL
	if result.LLMUsed {
		ttl = c.llmResultTTL
	}
	c.cache.Set(c.hashKey(query), data, ttl)
}

// Clear removes all entries and resets the counters.
func (c *ResultCache) Clear() {
	c.cache.Clear()
	c.hits.Store(0)
	c.misses.Store(0)
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *ResultCache) CleanupExpired() int {
	return c.cache.CleanupExpired()
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hitRate"`
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
}

// Stats returns current cache statistics.
func (c *ResultCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:     hits,
		Misses:   misses,
		HitRate:  rate,
		Size:     c.cache.Size(),
		Capacity: c.cache.Capacity(),
	}
}

// hashKey hashes the normalized query so case, punctuation, and whitespace
// variants share one entry.
func (c *ResultCache) hashKey(query string) string {
	hash := sha256.Sum256([]byte(normalize.Query(query)))
	return "extract:" + hex.EncodeToString(hash[:8])
}
