// Package v1 exposes the natural-language query pipeline over JSON HTTP.
package v1

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/ai"
	"github.com/sangamhq/sangam/ai/core/embedding"
	"github.com/sangamhq/sangam/ai/core/llm"
	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/ai/metrics"
	"github.com/sangamhq/sangam/ai/pipeline"
	"github.com/sangamhq/sangam/ai/search"
	"github.com/sangamhq/sangam/internal/profile"
	"github.com/sangamhq/sangam/store"
)

type APIV1Service struct {
	Profile  *profile.Profile
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Exporter *metrics.Exporter

	gateway *llm.Gateway
}

// NewAPIV1Service assembles the query pipeline from the resolved profile.
// LLM and embedding backends are optional: without providers the extractor
// runs regex-only, without an embedder the engine searches by keyword, and
// the service still comes up.
func NewAPIV1Service(ctx context.Context, profile *profile.Profile, store *store.Store) (*APIV1Service, error) {
	cfg := ai.NewConfigFromProfile(profile)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "resolve ai config")
	}

	exporter := metrics.NewExporter(metrics.DefaultConfig())

	gateway := buildGateway(cfg, exporter)

	resultCache := extract.NewResultCache(extract.ResultCacheConfig{Capacity: cfg.ExtractionCacheSize})
	exporter.RegisterCacheStats("extraction", func() (hits, misses int64) {
		stats := resultCache.Stats()
		return stats.Hits, stats.Misses
	})

	// A nil *llm.Gateway must stay an untyped nil behind the interface,
	// otherwise the extractor would call through a nil pointer.
	var extractorGateway extract.Gateway
	if gateway != nil {
		extractorGateway = gateway
	}
	extractor := extract.NewHybridExtractor(extractorGateway, resultCache, cfg.Extraction)

	engine, err := search.NewEngine(store, buildEmbedder(ctx, cfg, exporter), cfg.Engine)
	if err != nil {
		return nil, errors.Wrap(err, "create search engine")
	}

	pipe, err := pipeline.New(extractor, engine, exporter, cfg.Pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "create pipeline")
	}

	return &APIV1Service{
		Profile:  profile,
		Store:    store,
		Pipeline: pipe,
		Exporter: exporter,
		gateway:  gateway,
	}, nil
}

// buildGateway constructs the provider failover gateway. Providers that fail
// construction are skipped with a warning; with no usable provider the
// gateway is nil and extraction degrades to regex-only.
func buildGateway(cfg *ai.Config, exporter *metrics.Exporter) *llm.Gateway {
	providers := make([]llm.Provider, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		p, err := llm.NewProvider(&cfg.Providers[i])
		if err != nil {
			slog.Warn("api/v1: skipping llm provider",
				slog.String("provider", cfg.Providers[i].Provider),
				slog.Any("error", err))
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		slog.Warn("api/v1: no llm provider configured, extraction runs regex-only")
		return nil
	}

	gateway := llm.NewGateway(providers, cfg.Gateway)
	for _, p := range providers {
		name := p.Name()
		exporter.RegisterBreakerState(name, func() float64 {
			for _, st := range gateway.Status() {
				if st.Name == name {
					return metrics.BreakerStateValue(st.State)
				}
			}
			return metrics.BreakerClosed
		})
	}

	// Warmup is best-effort: it primes connections so the first query does
	// not pay the TLS handshake, and failures only show up as warnings.
	go func() {
		warmupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gateway.Warmup(warmupCtx)
	}()

	return gateway
}

// buildEmbedder constructs the cached embedding provider, or returns nil
// when embeddings are disabled or misconfigured so the engine runs
// keyword-only.
func buildEmbedder(ctx context.Context, cfg *ai.Config, exporter *metrics.Exporter) search.Embedder {
	if !cfg.EmbeddingEnabled {
		slog.Info("api/v1: embeddings disabled, search runs keyword-only")
		return nil
	}
	provider, err := embedding.NewProvider(&cfg.Embedding)
	if err != nil {
		slog.Warn("api/v1: embedding provider unavailable, search runs keyword-only",
			slog.Any("error", err))
		return nil
	}
	cached := embedding.NewCachedProvider(provider, cfg.EmbeddingCacheCapacity, cfg.EmbeddingCacheTTL)
	cached.StartSweep(ctx, time.Minute)
	exporter.RegisterCacheStats("embedding", cached.Stats)
	return cached
}

// ProviderStatuses reports the circuit state of every configured LLM
// provider, empty when none carries credentials.
func (s *APIV1Service) ProviderStatuses() []llm.ProviderStatus {
	if s.gateway == nil {
		return []llm.ProviderStatus{}
	}
	return s.gateway.Status()
}

// Register mounts the v1 routes and the Prometheus scrape endpoint.
func (s *APIV1Service) Register(echoServer *echo.Echo) {
	echoServer.GET("/metrics", echo.WrapHandler(s.Exporter.Handler()))

	group := echoServer.Group("/api/v1")
	s.registerQueryRoutes(group)
}
