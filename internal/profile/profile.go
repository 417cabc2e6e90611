// Package profile provides runtime configuration sourced from the environment.
package profile

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the runtime configuration for the sangam query service.
// Every field can be set through a SANGAM_* environment variable; FromEnv
// applies documented defaults for anything unset.
type Profile struct {
	// Mode can be "prod", "dev" or "demo".
	Mode string
	// Addr is the binding address for the HTTP server.
	Addr string
	// Port is the binding port for the HTTP server.
	Port int
	// Data is the directory for local data (sqlite database file).
	Data string
	// Driver is the member store backend: "postgres" or "sqlite".
	Driver string
	// DSN points to the member store database.
	DSN string

	// LLMProviderPrimary is the first provider the gateway attempts.
	LLMProviderPrimary string
	// LLMProviderFallbacks are attempted in order after the primary.
	LLMProviderFallbacks []string
	// LLMModel overrides the per-provider default model when set.
	LLMModel string
	// LLMTimeout is the hard cap for a single provider call.
	LLMTimeout time.Duration
	// LLMMaxRetries bounds retry attempts per provider on transient failures.
	LLMMaxRetries int
	// LLMMaxConcurrent bounds in-flight calls per provider.
	LLMMaxConcurrent int

	// BreakerFailureThreshold is the consecutive-failure count that opens a
	// provider circuit.
	BreakerFailureThreshold int
	// BreakerCooldown is how long an open circuit waits before half-open.
	BreakerCooldown time.Duration

	// Per-provider credentials. A provider without a key (ollama excepted)
	// is skipped by the gateway.
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	DeepSeekAPIKey    string
	DeepSeekBaseURL   string
	SiliconFlowAPIKey string
	SiliconFlowBase   string
	DashScopeAPIKey   string
	DashScopeBaseURL  string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	ZAIAPIKey         string
	ZAIBaseURL        string
	OllamaBaseURL     string

	// EmbeddingProvider and EmbeddingModel select the embedding backend.
	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingDimensions int

	// EmbeddingCacheCapacity and EmbeddingCacheTTL size the query-vector cache.
	EmbeddingCacheCapacity int
	EmbeddingCacheTTL      time.Duration

	// ExtractionCacheCapacity sizes the hybrid-extraction result cache.
	ExtractionCacheCapacity int

	// RegexConfidenceThreshold is the extraction confidence below which the
	// LLM path is considered.
	RegexConfidenceThreshold float64

	// SoftTimeout and HardTimeout are the per-request pipeline budgets.
	SoftTimeout time.Duration
	HardTimeout time.Duration
}

// ProviderDefault carries the built-in endpoint and model for a known provider.
type ProviderDefault struct {
	BaseURL string
	Model   string
}

// llmProviderDefaults maps known providers to their default endpoint and model.
var llmProviderDefaults = map[string]ProviderDefault{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com/v1",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-7B-Instruct",
	},
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-plus",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "openai/gpt-4o-mini",
	},
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "qwen2.5:7b",
	},
}

// KnownProvider reports whether name is a provider the gateway can construct.
func KnownProvider(name string) bool {
	_, ok := llmProviderDefaults[name]
	return ok
}

// DefaultsFor returns the built-in endpoint and model for a known provider.
func DefaultsFor(name string) (ProviderDefault, bool) {
	d, ok := llmProviderDefaults[name]
	return d, ok
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Providers returns the configured provider chain in priority order,
// deduplicated and filtered to known providers.
func (p *Profile) Providers() []string {
	chain := make([]string, 0, 1+len(p.LLMProviderFallbacks))
	if p.LLMProviderPrimary != "" {
		chain = append(chain, p.LLMProviderPrimary)
	}
	for _, name := range p.LLMProviderFallbacks {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(chain, name) {
			continue
		}
		chain = append(chain, name)
	}
	return slices.DeleteFunc(chain, func(name string) bool {
		return !KnownProvider(name)
	})
}

// APIKeyFor returns the configured API key for a provider.
func (p *Profile) APIKeyFor(name string) string {
	switch name {
	case "openai":
		return p.OpenAIAPIKey
	case "deepseek":
		return p.DeepSeekAPIKey
	case "siliconflow":
		return p.SiliconFlowAPIKey
	case "dashscope":
		return p.DashScopeAPIKey
	case "openrouter":
		return p.OpenRouterAPIKey
	case "zai":
		return p.ZAIAPIKey
	}
	return ""
}

// BaseURLFor returns the configured endpoint for a provider, falling back to
// the provider default.
func (p *Profile) BaseURLFor(name string) string {
	var configured string
	switch name {
	case "openai":
		configured = p.OpenAIBaseURL
	case "deepseek":
		configured = p.DeepSeekBaseURL
	case "siliconflow":
		configured = p.SiliconFlowBase
	case "dashscope":
		configured = p.DashScopeBaseURL
	case "openrouter":
		configured = p.OpenRouterBaseURL
	case "zai":
		configured = p.ZAIBaseURL
	case "ollama":
		configured = p.OllamaBaseURL
	}
	if configured != "" {
		return configured
	}
	return llmProviderDefaults[name].BaseURL
}

// HasLLMProvider reports whether at least one provider in the chain is usable
// (has a key, or is ollama which runs without one).
func (p *Profile) HasLLMProvider() bool {
	for _, name := range p.Providers() {
		if name == "ollama" || p.APIKeyFor(name) != "" {
			return true
		}
	}
	return false
}

// FromEnv populates the profile from SANGAM_* environment variables,
// applying defaults for anything unset.
func (p *Profile) FromEnv() {
	p.Mode = getEnvOrDefault("SANGAM_MODE", "dev")
	p.Addr = getEnvOrDefault("SANGAM_ADDR", "")
	p.Port = getEnvOrDefaultInt("SANGAM_PORT", 8231)
	p.Data = getEnvOrDefault("SANGAM_DATA", "")
	p.Driver = getEnvOrDefault("SANGAM_DRIVER", "sqlite")
	p.DSN = getEnvOrDefault("SANGAM_DSN", "")

	p.LLMProviderPrimary = getEnvOrDefault("SANGAM_LLM_PROVIDER_PRIMARY", "openai")
	fallbacks := getEnvOrDefault("SANGAM_LLM_PROVIDER_FALLBACKS", "")
	if fallbacks != "" {
		p.LLMProviderFallbacks = strings.Split(fallbacks, ",")
	}
	p.LLMModel = getEnvOrDefault("SANGAM_LLM_MODEL", "")
	p.LLMTimeout = time.Duration(getEnvOrDefaultInt("SANGAM_LLM_TIMEOUT_MS", 10000)) * time.Millisecond
	p.LLMMaxRetries = getEnvOrDefaultInt("SANGAM_LLM_MAX_RETRIES", 2)
	p.LLMMaxConcurrent = getEnvOrDefaultInt("SANGAM_LLM_MAX_CONCURRENT", 4)

	p.BreakerFailureThreshold = getEnvOrDefaultInt("SANGAM_BREAKER_FAILURE_THRESHOLD", 5)
	p.BreakerCooldown = time.Duration(getEnvOrDefaultInt("SANGAM_BREAKER_COOLDOWN_MS", 30000)) * time.Millisecond

	p.OpenAIAPIKey = os.Getenv("SANGAM_AI_OPENAI_API_KEY")
	p.OpenAIBaseURL = os.Getenv("SANGAM_AI_OPENAI_BASE_URL")
	p.DeepSeekAPIKey = os.Getenv("SANGAM_AI_DEEPSEEK_API_KEY")
	p.DeepSeekBaseURL = os.Getenv("SANGAM_AI_DEEPSEEK_BASE_URL")
	p.SiliconFlowAPIKey = os.Getenv("SANGAM_AI_SILICONFLOW_API_KEY")
	p.SiliconFlowBase = os.Getenv("SANGAM_AI_SILICONFLOW_BASE_URL")
	p.DashScopeAPIKey = os.Getenv("SANGAM_AI_DASHSCOPE_API_KEY")
	p.DashScopeBaseURL = os.Getenv("SANGAM_AI_DASHSCOPE_BASE_URL")
	p.OpenRouterAPIKey = os.Getenv("SANGAM_AI_OPENROUTER_API_KEY")
	p.OpenRouterBaseURL = os.Getenv("SANGAM_AI_OPENROUTER_BASE_URL")
	p.ZAIAPIKey = os.Getenv("SANGAM_AI_ZAI_API_KEY")
	p.ZAIBaseURL = os.Getenv("SANGAM_AI_ZAI_BASE_URL")
	p.OllamaBaseURL = os.Getenv("SANGAM_AI_OLLAMA_BASE_URL")

	p.EmbeddingProvider = getEnvOrDefault("SANGAM_AI_EMBEDDING_PROVIDER", "openai")
	p.EmbeddingModel = getEnvOrDefault("SANGAM_AI_EMBEDDING_MODEL", "text-embedding-3-small")
	p.EmbeddingDimensions = getEnvOrDefaultInt("SANGAM_AI_EMBEDDING_DIMENSIONS", 1536)

	p.EmbeddingCacheCapacity = getEnvOrDefaultInt("SANGAM_EMBEDDING_CACHE_CAPACITY", 1000)
	p.EmbeddingCacheTTL = time.Duration(getEnvOrDefaultInt("SANGAM_EMBEDDING_CACHE_TTL_MINUTES", 5)) * time.Minute
	p.ExtractionCacheCapacity = getEnvOrDefaultInt("SANGAM_EXTRACTION_CACHE_CAPACITY", 512)

	p.RegexConfidenceThreshold = getEnvOrDefaultFloat("SANGAM_REGEX_CONFIDENCE_THRESHOLD", 0.5)

	p.SoftTimeout = time.Duration(getEnvOrDefaultInt("SANGAM_PIPELINE_SOFT_TIMEOUT_MS", 3000)) * time.Millisecond
	p.HardTimeout = time.Duration(getEnvOrDefaultInt("SANGAM_PIPELINE_HARD_TIMEOUT_MS", 10000)) * time.Millisecond
}

// Validate checks the profile for invalid combinations and fills in the
// derived defaults that need other fields to be known (sqlite DSN).
func (p *Profile) Validate() error {
	if !slices.Contains([]string{"prod", "dev", "demo"}, p.Mode) {
		p.Mode = "demo"
	}

	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}

	switch p.Driver {
	case "postgres":
		if p.DSN == "" {
			return errors.New("dsn required for postgres driver")
		}
	case "sqlite":
		if p.Data == "" {
			p.Data = "."
		}
		if fi, err := os.Stat(p.Data); err != nil || !fi.IsDir() {
			return errors.Errorf("data dir %q is not a directory", p.Data)
		}
		if p.DSN == "" {
			p.DSN = fmt.Sprintf("%s/sangam_%s.db", p.Data, p.Mode)
		}
	default:
		return errors.Errorf("unknown driver %q", p.Driver)
	}

	if p.LLMProviderPrimary != "" && !KnownProvider(p.LLMProviderPrimary) {
		return errors.Errorf("unknown LLM provider %q", p.LLMProviderPrimary)
	}
	for _, name := range p.LLMProviderFallbacks {
		name = strings.TrimSpace(name)
		if name != "" && !KnownProvider(name) {
			return errors.Errorf("unknown LLM fallback provider %q", name)
		}
	}

	if p.EmbeddingDimensions <= 0 {
		return errors.Errorf("embedding dimensions must be positive, got %d", p.EmbeddingDimensions)
	}
	if p.RegexConfidenceThreshold < 0 || p.RegexConfidenceThreshold > 1 {
		return errors.Errorf("regex confidence threshold must be in [0,1], got %v", p.RegexConfidenceThreshold)
	}
	if p.SoftTimeout <= 0 || p.HardTimeout <= 0 || p.SoftTimeout > p.HardTimeout {
		return errors.Errorf("invalid pipeline timeouts: soft=%s hard=%s", p.SoftTimeout, p.HardTimeout)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
