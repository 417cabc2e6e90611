package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/ai/intent"
	"github.com/sangamhq/sangam/ai/normalize"
	"github.com/sangamhq/sangam/ai/respond"
	"github.com/sangamhq/sangam/ai/search"
)

// Stage names reported to the Recorder.
const (
	StageExtract = "extract"
	StageSearch  = "search"
	StageFormat  = "format"
)

// Extractor produces entities and intent for one query.
// *extract.HybridExtractor implements it.
type Extractor interface {
	Extract(ctx context.Context, query string) (extract.Result, intent.Result)
	ExtractDegraded(query, reason string) (extract.Result, intent.Result)
}

// Searcher executes one member search. *search.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, query string, filters search.Filters, opts search.Options) (*search.Result, error)
}

// Recorder observes pipeline execution for metrics export. Implementations
// must be safe for concurrent use.
type Recorder interface {
	ObserveStage(stage string, elapsed time.Duration)
	RecordQuery(intentName, method string, degraded bool)
}

// Config bounds a single request.
type Config struct {
	// SoftTimeout is the budget for LLM-assisted extraction. When the
	// remaining request deadline is shorter, the LLM is skipped outright.
	SoftTimeout time.Duration
	// HardTimeout caps the whole request.
	HardTimeout time.Duration
	// MaxQueryLen is the longest accepted query in bytes.
	MaxQueryLen int
}

func (c *Config) applyDefaults() {
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 3 * time.Second
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 10 * time.Second
	}
	if c.MaxQueryLen <= 0 {
		c.MaxQueryLen = 512
	}
}

// Options selects the optional response blocks and the result page.
type Options struct {
	IncludeResponse    bool
	IncludeSuggestions bool
	MaxResults         int
	Page               int
}

// DefaultOptions returns the options applied when a request names none.
func DefaultOptions() Options {
	return Options{
		IncludeResponse:    true,
		IncludeSuggestions: true,
		MaxResults:         10,
		Page:               1,
	}
}

func (o *Options) normalize() {
	if o.MaxResults <= 0 {
		o.MaxResults = 10
	}
	if o.MaxResults > 50 {
		o.MaxResults = 50
	}
	if o.Page <= 0 {
		o.Page = 1
	}
}

// Understanding reports how the query was interpreted.
type Understanding struct {
	Intent          string           `json:"intent"`
	Entities        extract.Entities `json:"entities"`
	Confidence      float64          `json:"confidence"`
	NormalizedQuery string           `json:"normalizedQuery"`
	IntentMetadata  intent.Result    `json:"intentMetadata"`
}

// MemberResult is one ranked member. Members are exposed by UID; store row
// ids never leave the store layer.
type MemberResult struct {
	UID            string   `json:"uid"`
	Name           string   `json:"name"`
	GraduationYear int      `json:"graduationYear,omitempty"`
	Degree         string   `json:"degree,omitempty"`
	Branch         string   `json:"branch,omitempty"`
	City           string   `json:"city,omitempty"`
	Organization   string   `json:"organization,omitempty"`
	Designation    string   `json:"designation,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	Services       []string `json:"services,omitempty"`
	TurnoverCrore  float64  `json:"turnoverCrore,omitempty"`
	Email          string   `json:"email,omitempty"`
	Phone          string   `json:"phone,omitempty"`
	RelevanceScore float64  `json:"relevanceScore"`
	MatchedFields  []string `json:"matchedFields,omitempty"`
}

// Pagination mirrors the response contract names rather than the engine's.
type Pagination struct {
	CurrentPage     int  `json:"currentPage"`
	TotalPages      int  `json:"totalPages"`
	TotalResults    int  `json:"totalResults"`
	ResultsPerPage  int  `json:"resultsPerPage"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
}

// Results is the ranked member page.
type Results struct {
	Members    []MemberResult `json:"members"`
	Pagination Pagination     `json:"pagination"`
}

// Response carries the optional conversational blocks. ConversationalHTML
// stays empty until a transport renders it on client request.
type Response struct {
	Conversational     string   `json:"conversational,omitempty"`
	ConversationalHTML string   `json:"conversationalHtml,omitempty"`
	Suggestions        []string `json:"suggestions,omitempty"`
}

// Performance reports per-stage timings in milliseconds.
type Performance struct {
	ExtractionMethod string `json:"extractionMethod"`
	ExtractionTime   int64  `json:"extractionTime"`
	SearchTime       int64  `json:"searchTime"`
	FormatTime       int64  `json:"formatTime,omitempty"`
	LLMUsed          bool   `json:"llmUsed"`
	FallbackReason   string `json:"fallbackReason,omitempty"`
}

// Result is the full pipeline output for one query.
type Result struct {
	RequestID      string        `json:"requestId"`
	Understanding  Understanding `json:"understanding"`
	Results        Results       `json:"results"`
	Response       *Response     `json:"response,omitempty"`
	ExecutionTime  int64         `json:"executionTime"`
	Performance    Performance   `json:"performance"`
	Degraded       bool          `json:"degraded,omitempty"`
	RelaxedFilters []string      `json:"relaxedFilters,omitempty"`
}

// Pipeline wires extraction, search, and response building behind one call.
type Pipeline struct {
	extractor Extractor
	searcher  Searcher
	recorder  Recorder
	config    Config
}

// New builds a pipeline. The recorder may be nil.
func New(extractor Extractor, searcher Searcher, recorder Recorder, cfg Config) (*Pipeline, error) {
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if searcher == nil {
		return nil, errors.New("searcher is required")
	}
	cfg.applyDefaults()
	return &Pipeline{
		extractor: extractor,
		searcher:  searcher,
		recorder:  recorder,
		config:    cfg,
	}, nil
}

// Process answers one natural-language query. Degraded stages are reported
// inside the result; failures come back as *Error carrying a fixed user
// message and any partial result assembled before the failure.
func (p *Pipeline) Process(ctx context.Context, query, userID string, opts Options) (*Result, error) {
	start := time.Now()

	trimmed := strings.TrimSpace(query)
	switch {
	case trimmed == "":
		return nil, NewError(KindInputInvalid, errors.New("query is empty"))
	case len(trimmed) > p.config.MaxQueryLen:
		return nil, NewError(KindInputInvalid, errors.Errorf("query exceeds %d characters", p.config.MaxQueryLen))
	case strings.TrimSpace(userID) == "":
		return nil, NewError(KindInputInvalid, errors.New("caller identity is missing"))
	}
	opts.normalize()

	ctx, cancel := context.WithTimeout(ctx, p.config.HardTimeout)
	defer cancel()

	requestID := shortuuid.New()
	slog.Debug("pipeline: query received", "requestId", requestID, "query", trimmed)

	extractStart := time.Now()
	extraction, intentResult := p.extract(ctx, trimmed)
	extractElapsed := time.Since(extractStart)
	p.observe(StageExtract, extractElapsed)

	result := &Result{
		RequestID: requestID,
		Understanding: Understanding{
			Intent:          string(intentResult.Primary),
			Entities:        extraction.Entities,
			Confidence:      extraction.Confidence,
			NormalizedQuery: normalize.Query(trimmed),
			IntentMetadata:  intentResult,
		},
		Results: Results{
			Members: []MemberResult{},
			Pagination: Pagination{
				CurrentPage:    opts.Page,
				ResultsPerPage: opts.MaxResults,
			},
		},
		Performance: Performance{
			ExtractionMethod: string(extraction.Method),
			ExtractionTime:   extractElapsed.Milliseconds(),
			LLMUsed:          extraction.LLMUsed,
			FallbackReason:   extraction.FallbackReason,
		},
		Degraded: extraction.FallbackReason != "",
	}

	filters := search.FiltersFromEntities(extraction.Entities, true)
	searchable := result.Understanding.NormalizedQuery != "" || !filters.IsEmpty()
	noSignal := extraction.Entities.IsEmpty() && intentResult.Confidence == 0

	// Nothing extractable and no intent signal: skip the search, report what
	// was understood, and still offer suggestions.
	if !searchable || noSignal {
		p.buildResponse(result, nil, trimmed, intentResult, extraction.Entities, 0, opts)
		result.ExecutionTime = time.Since(start).Milliseconds()
		p.record(intentResult, extraction, result.Degraded)
		slog.Debug("pipeline: no searchable signal",
			"requestId", requestID, "method", string(extraction.Method))
		return result, nil
	}

	searchStart := time.Now()
	searchResult, err := p.searcher.Search(ctx, result.Understanding.NormalizedQuery, filters, search.Options{
		Limit: opts.MaxResults,
		Page:  opts.Page,
	})
	searchElapsed := time.Since(searchStart)
	p.observe(StageSearch, searchElapsed)
	result.Performance.SearchTime = searchElapsed.Milliseconds()
	if err != nil {
		return nil, p.classifySearchFailure(ctx, requestID, err, result)
	}

	result.Results = Results{
		Members:    memberResults(searchResult.Members),
		Pagination: paginationFrom(searchResult.Pagination),
	}
	result.Degraded = result.Degraded || searchResult.Degraded
	result.RelaxedFilters = searchResult.RelaxedFilters

	p.buildResponse(result, searchResult.Members, trimmed, intentResult, extraction.Entities,
		searchResult.Pagination.Total, opts)

	result.ExecutionTime = time.Since(start).Milliseconds()
	p.record(intentResult, extraction, result.Degraded)
	slog.Debug("pipeline: query answered",
		"requestId", requestID,
		"intent", string(intentResult.Primary),
		"method", string(extraction.Method),
		"total", searchResult.Pagination.Total,
		"degraded", result.Degraded,
		"elapsedMs", result.ExecutionTime)
	return result, nil
}

// extract runs hybrid extraction under the soft budget. When the remaining
// request deadline is already shorter than the budget, the LLM is skipped
// instead of starting a call that cannot finish.
func (p *Pipeline) extract(ctx context.Context, query string) (extract.Result, intent.Result) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < p.config.SoftTimeout {
		return p.extractor.ExtractDegraded(query, extract.FallbackSoftTimeout)
	}
	extractCtx, cancel := context.WithTimeout(ctx, p.config.SoftTimeout)
	defer cancel()
	return p.extractor.Extract(extractCtx, query)
}

// buildResponse fills the requested conversational blocks and records the
// format stage when any block was requested.
func (p *Pipeline) buildResponse(result *Result, members []search.ScoredMember, query string,
	intentResult intent.Result, entities extract.Entities, total int, opts Options) {
	if !opts.IncludeResponse && !opts.IncludeSuggestions {
		return
	}
	formatStart := time.Now()
	response := &Response{}
	if opts.IncludeResponse {
		response.Conversational = respond.Format(members, respond.FormatRequest{
			Query:       query,
			Intent:      intentResult.Primary,
			Entities:    entities,
			ResultCount: total,
		})
	}
	if opts.IncludeSuggestions {
		response.Suggestions = respond.Suggest(respond.SuggestRequest{
			Intent:      intentResult.Primary,
			Entities:    entities,
			ResultCount: total,
			Refinements: intent.SuggestRefinement(intentResult),
		})
	}
	result.Response = response
	elapsed := time.Since(formatStart)
	p.observe(StageFormat, elapsed)
	result.Performance.FormatTime = elapsed.Milliseconds()
}

// classifySearchFailure maps a search error onto the failure taxonomy. The
// partial result keeps the understanding block so callers can show what was
// interpreted even when retrieval failed.
func (p *Pipeline) classifySearchFailure(ctx context.Context, requestID string, err error, partial *Result) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		// The caller walked away; partial state is discarded.
		slog.Debug("pipeline: request cancelled", "requestId", requestID)
		return ctx.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		slog.Warn("pipeline: hard timeout during search", "requestId", requestID, "error", err)
		partial.Degraded = true
		return &Error{Kind: KindTimeout, Cause: err, Partial: partial}
	case errors.Is(err, search.ErrCannotSearch):
		return &Error{Kind: KindInputInvalid, Cause: err, Partial: partial}
	case errors.Is(err, search.ErrStoreUnavailable):
		slog.Warn("pipeline: member store unavailable", "requestId", requestID, "error", err)
		return &Error{Kind: KindSearchUnavailable, Cause: err, Partial: partial}
	default:
		slog.Error("pipeline: search failed", "requestId", requestID, "error", err)
		return &Error{Kind: KindInternal, Cause: err, Partial: partial}
	}
}

func (p *Pipeline) observe(stage string, elapsed time.Duration) {
	if p.recorder != nil {
		p.recorder.ObserveStage(stage, elapsed)
	}
}

func (p *Pipeline) record(intentResult intent.Result, extraction extract.Result, degraded bool) {
	if p.recorder != nil {
		p.recorder.RecordQuery(string(intentResult.Primary), string(extraction.Method), degraded)
	}
}

func memberResults(scored []search.ScoredMember) []MemberResult {
	out := make([]MemberResult, 0, len(scored))
	for _, s := range scored {
		m := s.Member
		out = append(out, MemberResult{
			UID:            m.UID,
			Name:           m.Name,
			GraduationYear: m.GraduationYear,
			Degree:         m.Degree,
			Branch:         m.Branch,
			City:           m.City,
			Organization:   m.Organization,
			Designation:    m.Designation,
			Skills:         m.Skills,
			Services:       m.ProductsServices,
			TurnoverCrore:  m.TurnoverCrore,
			Email:          m.Email,
			Phone:          m.Phone,
			RelevanceScore: s.Relevance,
			MatchedFields:  s.MatchedFields,
		})
	}
	return out
}

func paginationFrom(pg search.Pagination) Pagination {
	return Pagination{
		CurrentPage:     pg.Page,
		TotalPages:      pg.TotalPages,
		TotalResults:    pg.Total,
		ResultsPerPage:  pg.PerPage,
		HasNextPage:     pg.HasNext,
		HasPreviousPage: pg.HasPrev,
	}
}
