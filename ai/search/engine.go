package search

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sangamhq/sangam/store"
)

var (
	// ErrCannotSearch is returned when the query text and the filter set are
	// both empty. Returning the full directory would not be a search.
	ErrCannotSearch = errors.New("cannot search: query and filters are both empty")

	// ErrStoreUnavailable marks failures where no candidate stream could
	// reach the member store.
	ErrStoreUnavailable = errors.New("member store unavailable")
)

// relaxationOrder fixes which filters may be dropped when too few members
// survive the hard filter, loosest signal first. Graduation year and explicit
// names are never relaxed.
var relaxationOrder = []string{"services", "skills", "city", "turnover"}

// MemberStore is the store surface the engine consumes.
type MemberStore interface {
	ListMembers(ctx context.Context, find *store.FindMember) ([]*store.Member, error)
	KeywordSearch(ctx context.Context, opts *store.KeywordSearchOptions) ([]*store.KeywordMatch, error)
	VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.MemberWithScore, error)
}

// Embedder produces the query embedding for the vector stream. A nil
// embedder disables vector candidates without degrading the search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EngineConfig tunes result sizing. Zero values fall back to defaults.
type EngineConfig struct {
	// DefaultLimit is the page size when the caller does not set one.
	DefaultLimit int
	// MaxLimit caps the caller-requested page size.
	MaxLimit int
	// CandidateFactor multiplies the page size into the per-stream
	// candidate budget, leaving room for hard filters to discard.
	CandidateFactor int
}

func (c *EngineConfig) applyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 50
	}
	if c.CandidateFactor <= 0 {
		c.CandidateFactor = 5
	}
}

// Options are per-search knobs.
type Options struct {
	Limit int
	Page  int
	// Weights overrides the fusion weights. Nil selects DefaultWeights, or
	// a pure field weighting when the query text is empty.
	Weights *Weights
}

// Pagination describes the returned page within the full result set.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"perPage"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// Result is one executed search.
type Result struct {
	Members    []ScoredMember
	Pagination Pagination
	// Degraded is set when a candidate stream failed and the results were
	// computed from the remaining streams.
	Degraded bool
	// RelaxedFilters lists filters dropped to reach the requested page
	// size, in the order they were dropped.
	RelaxedFilters []string
}

// Engine retrieves, filters, and ranks members for one query.
type Engine struct {
	store    MemberStore
	embedder Embedder
	compiler *Compiler
	config   EngineConfig
}

// NewEngine wires the engine. The store is required; the embedder may be nil
// for keyword-and-filter-only deployments.
func NewEngine(st MemberStore, embedder Embedder, cfg EngineConfig) (*Engine, error) {
	if st == nil {
		return nil, errors.New("member store is required")
	}
	cfg.applyDefaults()
	compiler, err := NewCompiler()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:    st,
		embedder: embedder,
		compiler: compiler,
		config:   cfg,
	}, nil
}

// Search runs the full pipeline: candidate retrieval over the keyword,
// vector, and filter streams, hard filtering with fixed-order relaxation,
// fused scoring, and pagination. Identical inputs produce identical ordering.
func (e *Engine) Search(ctx context.Context, query string, filters Filters, opts Options) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" && filters.IsEmpty() {
		return nil, ErrCannotSearch
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	limit = min(limit, e.config.MaxLimit)
	page := max(opts.Page, 1)
	candLimit := limit * e.config.CandidateFactor

	weights := DefaultWeights
	switch {
	case opts.Weights != nil:
		weights = *opts.Weights
	case query == "":
		weights = Weights{Field: 1}
	}

	cands, textStreamAlive, degraded, err := e.collectTextCandidates(ctx, query, filters, candLimit)
	if err != nil {
		return nil, err
	}

	// Hard filter, relaxing one field at a time until the page fills or
	// nothing relaxable remains. The filter stream is re-fetched per stage
	// because relaxed filters widen the listing condition.
	active := filters
	var relaxed []string
	var survivors []candidate
	var matchedFilterFields []string
	for {
		if !active.IsEmpty() {
			members, listErr := e.store.ListMembers(ctx, active.findMember(candLimit))
			switch {
			case listErr == nil:
				for _, m := range members {
					if _, ok := cands[m.ID]; !ok {
						cands[m.ID] = candidate{member: m}
					}
				}
			case !textStreamAlive:
				// No other stream can supply candidates.
				return nil, errors.WithMessagef(ErrStoreUnavailable, "list members: %v", listErr)
			default:
				slog.Warn("search: filter stream failed, continuing with text candidates", "error", listErr)
				degraded = true
			}
		}

		pred, compErr := e.compiler.Compile(active)
		if compErr != nil {
			return nil, compErr
		}
		matchedFilterFields = pred.Fields()

		survivors = survivors[:0]
		for _, c := range cands {
			ok, evalErr := pred.Matches(c.member)
			if evalErr != nil {
				return nil, evalErr
			}
			if ok {
				survivors = append(survivors, c)
			}
		}
		if len(survivors) >= limit {
			break
		}
		next := nextRelaxable(active)
		if next == "" {
			break
		}
		slog.Debug("search: relaxing filter", "field", next, "have", len(survivors), "want", limit)
		active = active.without(next)
		relaxed = append(relaxed, next)
	}

	fused := fuse(survivors, matchedFilterFields, weights)
	members, pagination := paginate(fused, page, limit)
	return &Result{
		Members:        members,
		Pagination:     pagination,
		Degraded:       degraded,
		RelaxedFilters: relaxed,
	}, nil
}

// collectTextCandidates runs the keyword and vector streams in parallel and
// unions them by member ID. It reports whether at least one stream reached
// the store and whether any attempted stream failed. When every stream fails
// and no filters can stand in, the search is unavailable.
func (e *Engine) collectTextCandidates(ctx context.Context, query string, filters Filters, candLimit int) (cands map[int32]candidate, alive, degraded bool, err error) {
	cands = make(map[int32]candidate)
	if query == "" {
		return cands, false, false, nil
	}

	var (
		kwMatches  []*store.KeywordMatch
		vecMatches []*store.MemberWithScore
		kwErr      error
		vecErr     error
	)
	vectorEnabled := e.embedder != nil

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kwMatches, kwErr = e.store.KeywordSearch(gctx, &store.KeywordSearchOptions{
			Query:      query,
			Limit:      candLimit,
			OnlyActive: filters.OnlyActive,
		})
		return nil
	})
	if vectorEnabled {
		g.Go(func() error {
			vector, embedErr := e.embedder.Embed(gctx, query)
			if embedErr != nil {
				vecErr = errors.WithMessage(embedErr, "embed query")
				return nil
			}
			vecMatches, vecErr = e.store.VectorSearch(gctx, &store.VectorSearchOptions{
				Vector:     vector,
				Limit:      candLimit,
				OnlyActive: filters.OnlyActive,
			})
			return nil
		})
	}
	// Branches report through captured errors, never through the group.
	_ = g.Wait()

	alive = kwErr == nil || (vectorEnabled && vecErr == nil)
	if !alive && filters.IsEmpty() {
		if vectorEnabled {
			return nil, false, false, errors.WithMessagef(ErrStoreUnavailable,
				"keyword search: %v; vector search: %v", kwErr, vecErr)
		}
		return nil, false, false, errors.WithMessagef(ErrStoreUnavailable, "keyword search: %v", kwErr)
	}

	if kwErr != nil {
		slog.Warn("search: keyword stream failed", "error", kwErr)
		degraded = true
	} else {
		for _, m := range kwMatches {
			cands[m.Member.ID] = candidate{
				member:        m.Member,
				keyword:       m.Score,
				keywordFields: m.MatchedFields,
			}
		}
	}
	if vectorEnabled && vecErr != nil {
		slog.Warn("search: vector stream failed", "error", vecErr)
		degraded = true
	} else if vectorEnabled {
		for _, m := range vecMatches {
			c := cands[m.Member.ID]
			c.member = m.Member
			c.semantic = float64(m.Score)
			cands[m.Member.ID] = c
		}
	}
	return cands, alive, degraded, nil
}

func nextRelaxable(f Filters) string {
	for _, field := range relaxationOrder {
		if f.has(field) {
			return field
		}
	}
	return ""
}

func paginate(fused []ScoredMember, page, limit int) ([]ScoredMember, Pagination) {
	total := len(fused)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	end := min(start+limit, total)
	var members []ScoredMember
	if start < total {
		members = fused[start:end]
	} else {
		members = []ScoredMember{}
	}
	return members, Pagination{
		Page:       page,
		PerPage:    limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && total > 0,
	}
}
