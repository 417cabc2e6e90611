package extract

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/ai/core/llm"
	"github.com/sangamhq/sangam/ai/intent"
)

// Fallback reasons reported when the LLM path was wanted but not used.
const (
	FallbackLLMUnavailable = "llm_unavailable"
	FallbackProviderBusy   = "provider_busy"
	FallbackLLMTimeout     = "llm_timeout"
	FallbackLLMParseFailed = "llm_parse_failed"
	FallbackLLMError       = "llm_error"
	FallbackSoftTimeout    = "soft_timeout"
)

// Gateway is the slice of the LLM gateway the extractor uses.
type Gateway interface {
	Generate(ctx context.Context, messages []llm.Message, temperature float32, maxTokens int) (*llm.GenerateResult, error)
}

// HybridConfig tunes the arbitration between the regex and LLM paths.
type HybridConfig struct {
	// ConfidenceThreshold is the regex confidence below which the LLM is
	// consulted. Non-positive uses DefaultConfidenceThreshold.
	ConfidenceThreshold float64
	// LLMTimeout caps the whole LLM attempt chain, both prompt variants
	// included.
	LLMTimeout  time.Duration
	Temperature float32
	MaxTokens   int
}

func (c *HybridConfig) applyDefaults() {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 10 * time.Second
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 500
	}
}

// Confidence assigned when the LLM contributed entities. The regex confidence
// wins when it is already higher.
const llmBaseConfidence = 0.75

// Floor applied when extraction found nothing and the intent itself is
// uncertain, so downstream stages treat the query as open-ended rather than
// hopeless.
const openEndedConfidence = 0.3

// HybridExtractor arbitrates between the deterministic regex extractor and
// the LLM path, and merges their entities. It never returns an error: when
// the LLM path fails, the regex result is returned with a FallbackReason.
type HybridExtractor struct {
	regex      *RegexExtractor
	classifier *intent.Classifier
	gateway    Gateway
	cache      *ResultCache
	cfg        HybridConfig

	// multiClause and serviceVerb trigger the LLM on query shapes the
	// patterns handle poorly.
	multiClause *regexp.Regexp
	serviceVerb *regexp.Regexp
}

// NewHybridExtractor builds the extractor. A nil gateway disables the LLM
// path; every query then resolves through regex with FallbackLLMUnavailable
// when the LLM would have been consulted. A nil cache disables result
// caching.
func NewHybridExtractor(gateway Gateway, cache *ResultCache, cfg HybridConfig) *HybridExtractor {
	cfg.applyDefaults()
	return &HybridExtractor{
		regex:       NewRegexExtractor(cfg.ConfidenceThreshold),
		classifier:  intent.NewClassifier(),
		gateway:     gateway,
		cache:       cache,
		cfg:         cfg,
		multiClause: regexp.MustCompile(`(?i),|\b(?:who|whose|which)\b`),
		serviceVerb: regexp.MustCompile(`(?i)\b(?:doing|offering|offers?|providing|provides?|selling|sells?|making|makes?|deals?\s+in|dealing\s+in|running|runs?)\b`),
	}
}

// Extract classifies the query and produces merged entities. The cache is
// consulted first; clean outcomes are written back, degraded ones are not, so
// a recovered LLM is not shadowed by an old fallback.
func (x *HybridExtractor) Extract(ctx context.Context, query string) (Result, intent.Result) {
	start := time.Now()

	if x.cache != nil {
		if cached, cachedIntent, ok := x.cache.Get(query); ok {
			cached.ExtractionTime = time.Since(start)
			return cached, cachedIntent
		}
	}

	intentResult := x.classifier.Classify(query)
	rx := x.regex.Extract(query)

	result, ok := x.tryLLM(ctx, query, intentResult, rx)
	if !ok {
		result = regexResult(rx, "")
	}
	x.applyOpenEndedFloor(&result, rx, intentResult)
	result.ExtractionTime = time.Since(start)

	if x.cache != nil && result.FallbackReason == "" {
		x.cache.Set(query, result, intentResult)
	}
	return result, intentResult
}

// ExtractDegraded is the regex-only path, used when the caller has already
// decided to skip the LLM (soft timeout, disabled providers). The outcome is
// not cached.
func (x *HybridExtractor) ExtractDegraded(query, reason string) (Result, intent.Result) {
	start := time.Now()
	intentResult := x.classifier.Classify(query)
	rx := x.regex.Extract(query)

	result := regexResult(rx, "")
	if x.useLLM(query, intentResult, rx) {
		result.FallbackReason = reason
	}
	x.applyOpenEndedFloor(&result, rx, intentResult)
	result.ExtractionTime = time.Since(start)
	return result, intentResult
}

// tryLLM runs the LLM path when arbitration asks for it. The bool reports
// whether a result was produced; false means the caller should emit the plain
// regex result.
func (x *HybridExtractor) tryLLM(ctx context.Context, query string, intentResult intent.Result, rx RegexResult) (Result, bool) {
	if !x.useLLM(query, intentResult, rx) {
		return Result{}, false
	}
	if x.gateway == nil {
		return regexResult(rx, FallbackLLMUnavailable), true
	}

	llmCtx, cancel := context.WithTimeout(ctx, x.cfg.LLMTimeout)
	defer cancel()

	llmEntities, err := x.callLLM(llmCtx, query, intentResult.Primary)
	if err != nil {
		slog.Debug("llm extraction failed, falling back to regex",
			"query", query, "reason", fallbackReasonFor(err), "error", err)
		return regexResult(rx, fallbackReasonFor(err)), true
	}

	merged := mergeEntities(rx.Entities, llmEntities)
	method := MethodLLM
	if rx.Entities.FieldCount() >= 1 {
		method = MethodHybrid
	}
	return Result{
		Entities:        merged,
		Confidence:      max(rx.Confidence, llmBaseConfidence),
		Method:          method,
		LLMUsed:         true,
		MatchedPatterns: rx.MatchedPatterns,
	}, true
}

// useLLM is the arbitration rule. The year-only exception keeps precise
// batch queries ("find 1995 batch") off the LLM even though a single pattern
// weight sits below the confidence threshold.
func (x *HybridExtractor) useLLM(query string, intentResult intent.Result, rx RegexResult) bool {
	if rx.NeedsLLM && !x.yearOnlyPeersHit(intentResult.Primary, rx) {
		return true
	}
	return x.structuralNeedsLLM(query, rx)
}

func (x *HybridExtractor) yearOnlyPeersHit(primary intent.Intent, rx RegexResult) bool {
	return primary == intent.FindPeers &&
		len(rx.Entities.GraduationYears) > 0 &&
		rx.Entities.FieldCount() == 1
}

// structuralNeedsLLM flags query shapes the patterns are known to
// under-extract: multi-clause sentences, and service verbs whose object
// is not in the lexicon.
func (x *HybridExtractor) structuralNeedsLLM(query string, rx RegexResult) bool {
	if x.multiClause.MatchString(query) && len(strings.Fields(query)) >= 8 {
		return true
	}
	if x.serviceVerb.MatchString(query) && len(rx.Entities.Services) == 0 && len(rx.Entities.Skills) == 0 {
		return true
	}
	return false
}

// callLLM asks for entities with the intent-specific prompt, retrying once
// with the stricter variant when the response does not parse.
func (x *HybridExtractor) callLLM(ctx context.Context, query string, primary intent.Intent) (Entities, error) {
	prompts := []string{SystemPrompt(primary), StrictSystemPrompt(primary)}
	var parseErr error
	for _, prompt := range prompts {
		messages := []llm.Message{
			llm.SystemPrompt(prompt),
			llm.UserMessage(UserPrompt(query)),
		}
		out, err := x.gateway.Generate(ctx, messages, x.cfg.Temperature, x.cfg.MaxTokens)
		if err != nil {
			return Entities{}, err
		}
		entities, err := ParseEntities(out.Text)
		if err == nil {
			return entities, nil
		}
		parseErr = err
	}
	return Entities{}, errors.Wrap(parseErr, "extraction response unparseable after strict retry")
}

// fallbackReasonFor maps gateway failures onto the reasons surfaced in
// extraction results.
func fallbackReasonFor(err error) string {
	switch {
	case errors.Is(err, llm.ErrAllProvidersUnavailable):
		return FallbackLLMUnavailable
	case errors.Is(err, llm.ErrProviderBusy):
		return FallbackProviderBusy
	case errors.Is(err, context.DeadlineExceeded):
		return FallbackLLMTimeout
	default:
		if strings.Contains(err.Error(), "unparseable") {
			return FallbackLLMParseFailed
		}
		return FallbackLLMError
	}
}

// mergeEntities applies the arbitration merge: regex wins the fields its
// patterns match precisely (years, degree, location, turnover tier), the LLM
// wins free-form fields (name, organization), and set-valued fields union
// with regex values first.
func mergeEntities(rx, llm Entities) Entities {
	merged := rx.Clone()

	if len(merged.GraduationYears) == 0 {
		merged.GraduationYears = append(merged.GraduationYears, llm.GraduationYears...)
	}
	if merged.Degree == "" {
		merged.Degree = llm.Degree
	}
	if merged.Location == "" {
		merged.Location = llm.Location
	}
	if merged.TurnoverTier == "" {
		merged.TurnoverTier = llm.TurnoverTier
	}

	for _, branch := range llm.Branches {
		if !containsString(merged.Branches, branch) {
			merged.Branches = append(merged.Branches, branch)
		}
	}
	for _, skill := range llm.Skills {
		merged.AddSkill(skill)
	}
	for _, service := range llm.Services {
		merged.AddService(service)
	}

	if llm.Name != "" {
		merged.Name = llm.Name
	}
	if llm.OrganizationName != "" {
		merged.OrganizationName = llm.OrganizationName
	}
	return merged
}

// applyOpenEndedFloor raises the confidence of empty extractions on uncertain
// intents, so they read as open-ended searches instead of failures.
func (x *HybridExtractor) applyOpenEndedFloor(result *Result, rx RegexResult, intentResult intent.Result) {
	if result.Entities.IsEmpty() && intentResult.Confidence < 0.5 {
		result.Confidence = max(rx.Confidence, openEndedConfidence)
	}
}

func regexResult(rx RegexResult, fallbackReason string) Result {
	return Result{
		Entities:        rx.Entities,
		Confidence:      rx.Confidence,
		Method:          MethodRegex,
		FallbackReason:  fallbackReason,
		MatchedPatterns: rx.MatchedPatterns,
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
