// Package ai resolves the runtime profile into the concrete configurations
// of every query pipeline component.
package ai

import (
	"time"

	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/ai/core/embedding"
	"github.com/sangamhq/sangam/ai/core/llm"
	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/ai/pipeline"
	"github.com/sangamhq/sangam/ai/search"
	"github.com/sangamhq/sangam/internal/profile"
)

// Config carries the resolved settings for the pipeline components. The
// provider list holds only usable providers; an empty list runs the service
// in regex-only extraction mode.
type Config struct {
	Providers []llm.Config
	Gateway   llm.GatewayConfig

	// EmbeddingEnabled is false when the embedding provider has no usable
	// credentials; search then runs keyword-only.
	EmbeddingEnabled       bool
	Embedding              embedding.Config
	EmbeddingCacheCapacity int
	EmbeddingCacheTTL      time.Duration

	Extraction          extract.HybridConfig
	ExtractionCacheSize int

	Engine   search.EngineConfig
	Pipeline pipeline.Config
}

// NewConfigFromProfile resolves provider credentials, endpoints, and budgets
// from the profile. Providers without an API key are dropped here (ollama
// excepted, it runs keyless); the gateway never sees a provider it cannot
// call.
func NewConfigFromProfile(p *profile.Profile) *Config {
	cfg := &Config{
		Gateway: llm.GatewayConfig{
			FailureThreshold: p.BreakerFailureThreshold,
			Cooldown:         p.BreakerCooldown,
			MaxRetries:       p.LLMMaxRetries,
			MaxConcurrent:    int64(p.LLMMaxConcurrent),
		},
		EmbeddingCacheCapacity: p.EmbeddingCacheCapacity,
		EmbeddingCacheTTL:      p.EmbeddingCacheTTL,
		Extraction: extract.HybridConfig{
			ConfidenceThreshold: p.RegexConfidenceThreshold,
			LLMTimeout:          p.LLMTimeout,
		},
		ExtractionCacheSize: p.ExtractionCacheCapacity,
		Pipeline: pipeline.Config{
			SoftTimeout: p.SoftTimeout,
			HardTimeout: p.HardTimeout,
		},
	}

	for _, name := range p.Providers() {
		key := p.APIKeyFor(name)
		if key == "" && name != "ollama" {
			continue
		}
		model := p.LLMModel
		if model == "" {
			if d, ok := profile.DefaultsFor(name); ok {
				model = d.Model
			}
		}
		cfg.Providers = append(cfg.Providers, llm.Config{
			Provider: name,
			Model:    model,
			APIKey:   key,
			BaseURL:  p.BaseURLFor(name),
			Timeout:  p.LLMTimeout,
		})
	}

	embeddingKey := p.APIKeyFor(p.EmbeddingProvider)
	cfg.EmbeddingEnabled = p.EmbeddingProvider != "" &&
		(embeddingKey != "" || p.EmbeddingProvider == "ollama")
	cfg.Embedding = embedding.Config{
		APIKey:     embeddingKey,
		BaseURL:    p.BaseURLFor(p.EmbeddingProvider),
		Model:      p.EmbeddingModel,
		Dimensions: p.EmbeddingDimensions,
	}

	return cfg
}

// LLMEnabled reports whether at least one chat provider survived resolution.
func (c *Config) LLMEnabled() bool {
	return len(c.Providers) > 0
}

// Validate checks the resolved configuration for combinations the components
// would reject later.
func (c *Config) Validate() error {
	for _, p := range c.Providers {
		if p.Provider == "" {
			return errors.New("provider entry without a name")
		}
		if p.Model == "" {
			return errors.Errorf("provider %s has no model", p.Provider)
		}
	}

	if c.EmbeddingEnabled && c.Embedding.Dimensions <= 0 {
		return errors.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}

	if c.Extraction.ConfidenceThreshold < 0 || c.Extraction.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence threshold must be in [0,1], got %v", c.Extraction.ConfidenceThreshold)
	}

	soft, hard := c.Pipeline.SoftTimeout, c.Pipeline.HardTimeout
	if soft < 0 || hard < 0 || (soft > 0 && hard > 0 && soft > hard) {
		return errors.Errorf("invalid pipeline timeouts: soft=%s hard=%s", soft, hard)
	}

	return nil
}
