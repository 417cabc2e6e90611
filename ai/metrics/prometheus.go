// Package metrics exports query pipeline metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "sangam"
	subsystem = "nlquery"
)

// Breaker gauge values. Half-open sits between the two so dashboards can
// graph the transition.
const (
	BreakerClosed   = 0.0
	BreakerHalfOpen = 0.5
	BreakerOpen     = 1.0
)

// Exporter registers and serves the query pipeline metrics. Its ObserveStage
// and RecordQuery methods satisfy the pipeline's Recorder.
type Exporter struct {
	registry *prometheus.Registry

	stageLatency *prometheus.HistogramVec
	queries      *prometheus.CounterVec
	failures     *prometheus.CounterVec
}

// Config tunes the exporter.
type Config struct {
	// Registry receives the collectors. Nil creates a private registry.
	Registry *prometheus.Registry
	// LatencyBuckets are the stage histogram boundaries in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns buckets sized for a pipeline with a 10 s hard cap.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
}

// NewExporter builds an exporter and registers its collectors.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_latency_seconds",
			Help:      "Pipeline stage latency in seconds.",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"stage"},
	)

	e.queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queries_total",
			Help:      "Queries answered, by intent, extraction method, and degradation.",
		},
		[]string{"intent", "method", "degraded"},
	)

	e.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Queries that failed, by failure kind.",
		},
		[]string{"kind"},
	)

	registry.MustRegister(e.stageLatency, e.queries, e.failures)
	return e
}

// ObserveStage records one stage execution.
func (e *Exporter) ObserveStage(stage string, elapsed time.Duration) {
	e.stageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordQuery counts one answered query.
func (e *Exporter) RecordQuery(intentName, method string, degraded bool) {
	e.queries.WithLabelValues(intentName, method, strconv.FormatBool(degraded)).Inc()
}

// RecordFailure counts one failed query by taxonomy kind.
func (e *Exporter) RecordFailure(kind string) {
	e.failures.WithLabelValues(kind).Inc()
}

// RegisterCacheStats exports cumulative hit and miss counts for a named
// cache. The stats function is read at scrape time.
func (e *Exporter) RegisterCacheStats(cache string, stats func() (hits, misses int64)) {
	labels := prometheus.Labels{"cache": cache}
	e.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_hits_total",
			Help:        "Cache hits.",
			ConstLabels: labels,
		},
		func() float64 {
			hits, _ := stats()
			return float64(hits)
		},
	))
	e.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_misses_total",
			Help:        "Cache misses.",
			ConstLabels: labels,
		},
		func() float64 {
			_, misses := stats()
			return float64(misses)
		},
	))
}

// RegisterBreakerState exports one provider's circuit state, read at scrape
// time. Use BreakerStateValue to map gateway state strings onto the scale.
func (e *Exporter) RegisterBreakerState(provider string, state func() float64) {
	e.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "provider_breaker_state",
			Help:        "Circuit breaker state per provider: 0 closed, 0.5 half-open, 1 open.",
			ConstLabels: prometheus.Labels{"provider": provider},
		},
		state,
	))
}

// BreakerStateValue maps a gateway state string onto the breaker gauge scale.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return BreakerOpen
	case "half-open":
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Handler serves the registry in Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
