package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/ai/intent"
	"github.com/sangamhq/sangam/ai/search"
	"github.com/sangamhq/sangam/store"
)

type fakeExtractor struct {
	result       extract.Result
	intentResult intent.Result

	extractCalls       int
	degradedCalls      int
	lastQuery          string
	lastDegradedReason string
	sawDeadline        bool
	deadline           time.Time
	onExtract          func()
}

func (f *fakeExtractor) Extract(ctx context.Context, query string) (extract.Result, intent.Result) {
	f.extractCalls++
	f.lastQuery = query
	if d, ok := ctx.Deadline(); ok {
		f.sawDeadline = true
		f.deadline = d
	}
	if f.onExtract != nil {
		f.onExtract()
	}
	return f.result, f.intentResult
}

func (f *fakeExtractor) ExtractDegraded(query, reason string) (extract.Result, intent.Result) {
	f.degradedCalls++
	f.lastQuery = query
	f.lastDegradedReason = reason
	degraded := f.result
	degraded.Method = extract.MethodRegex
	degraded.LLMUsed = false
	degraded.FallbackReason = reason
	return degraded, f.intentResult
}

type fakeSearcher struct {
	result *search.Result
	err    error

	calls       int
	lastQuery   string
	lastFilters search.Filters
	lastOpts    search.Options
	fn          func(ctx context.Context) (*search.Result, error)
}

func (f *fakeSearcher) Search(ctx context.Context, query string, filters search.Filters, opts search.Options) (*search.Result, error) {
	f.calls++
	f.lastQuery = query
	f.lastFilters = filters
	f.lastOpts = opts
	if f.fn != nil {
		return f.fn(ctx)
	}
	return f.result, f.err
}

type stubRecorder struct {
	stages   []string
	intents  []string
	methods  []string
	degraded []bool
}

func (r *stubRecorder) ObserveStage(stage string, _ time.Duration) {
	r.stages = append(r.stages, stage)
}

func (r *stubRecorder) RecordQuery(intentName, method string, degraded bool) {
	r.intents = append(r.intents, intentName)
	r.methods = append(r.methods, method)
	r.degraded = append(r.degraded, degraded)
}

func businessExtraction() (extract.Result, intent.Result) {
	return extract.Result{
			Entities: extract.Entities{
				GraduationYears: []int{1995},
				Branches:        []string{"Mechanical", "Mechanical Engineering"},
				Location:        "Chennai",
				Services:        []string{"fabrication"},
			},
			Confidence:     0.9,
			Method:         extract.MethodRegex,
			ExtractionTime: 2 * time.Millisecond,
		}, intent.Result{
			Primary:         intent.FindBusiness,
			Confidence:      0.8,
			MatchedPatterns: []string{"companies"},
		}
}

func searchFixture() *search.Result {
	return &search.Result{
		Members: []search.ScoredMember{
			{
				Member: &store.Member{
					ID:               1,
					UID:              "mem-aaa",
					Name:             "Rajesh Kumar",
					GraduationYear:   1995,
					Degree:           "B.E.",
					Branch:           "Mechanical Engineering",
					City:             "Chennai",
					Organization:     "Kumar Fabricators",
					Designation:      "Director",
					Skills:           []string{"TIG Welding"},
					ProductsServices: []string{"Custom Metal Fabrication"},
					TurnoverCrore:    2.5,
					Email:            "rajesh@kumarfab.in",
					Phone:            "+91 98400 11111",
					IsActive:         true,
					UpdatedTs:        100,
				},
				Relevance:     0.91,
				MatchedFields: []string{"year", "city", "services"},
			},
			{
				Member: &store.Member{
					ID:             2,
					UID:            "mem-bbb",
					Name:           "Anita Rao",
					GraduationYear: 1995,
					Branch:         "Mechanical Engineering",
					City:           "Chennai",
					Organization:   "Rao CNC Works",
					TurnoverCrore:  0.5,
					IsActive:       true,
					UpdatedTs:      200,
				},
				Relevance:     0.55,
				MatchedFields: []string{"year", "city"},
			},
		},
		Pagination: search.Pagination{Page: 1, PerPage: 10, Total: 2, TotalPages: 1},
	}
}

func newTestPipeline(t *testing.T, ext *fakeExtractor, s *fakeSearcher) *Pipeline {
	t.Helper()
	p, err := New(ext, s, nil, Config{})
	require.NoError(t, err)
	return p
}

func TestNewValidatesStages(t *testing.T) {
	_, err := New(nil, &fakeSearcher{}, nil, Config{})
	assert.Error(t, err)

	_, err = New(&fakeExtractor{}, nil, nil, Config{})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, 3*time.Second, cfg.SoftTimeout)
	assert.Equal(t, 10*time.Second, cfg.HardTimeout)
	assert.Equal(t, 512, cfg.MaxQueryLen)

	custom := Config{SoftTimeout: time.Second, HardTimeout: 2 * time.Second, MaxQueryLen: 100}
	custom.applyDefaults()
	assert.Equal(t, Config{SoftTimeout: time.Second, HardTimeout: 2 * time.Second, MaxQueryLen: 100}, custom)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.IncludeResponse)
	assert.True(t, opts.IncludeSuggestions)
	assert.Equal(t, 10, opts.MaxResults)
	assert.Equal(t, 1, opts.Page)
}

func TestProcessRejectsInvalidInput(t *testing.T) {
	ext := &fakeExtractor{}
	s := &fakeSearcher{}
	p := newTestPipeline(t, ext, s)

	cases := []struct {
		name   string
		query  string
		userID string
	}{
		{"empty query", "", "+919840012345"},
		{"blank query", "   ", "+919840012345"},
		{"over-length query", strings.Repeat("a", 513), "+919840012345"},
		{"missing identity", "Find 1995 mechanical engineers", ""},
		{"blank identity", "Find 1995 mechanical engineers", "  "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Process(context.Background(), tc.query, tc.userID, DefaultOptions())
			assert.Nil(t, got)
			assert.True(t, errors.Is(err, ErrInputInvalid))
		})
	}

	// Invalid input is rejected before any stage runs.
	assert.Equal(t, 0, ext.extractCalls)
	assert.Equal(t, 0, ext.degradedCalls)
	assert.Equal(t, 0, s.calls)
}

func TestProcessHappyPath(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: searchFixture()}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(),
		"Find 1995 mechanical fabrication companies in Chennai", "+919840012345", DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.NotEmpty(t, got.RequestID)
	assert.Equal(t, "find_business", got.Understanding.Intent)
	assert.Equal(t, extraction.Entities, got.Understanding.Entities)
	assert.InDelta(t, 0.9, got.Understanding.Confidence, 1e-9)
	assert.Equal(t, "find 1995 mechanical fabrication companies in chennai", got.Understanding.NormalizedQuery)
	assert.Equal(t, intentResult, got.Understanding.IntentMetadata)

	assert.Equal(t, 1, s.calls)
	assert.Equal(t, got.Understanding.NormalizedQuery, s.lastQuery)
	assert.Equal(t, []int{1995}, s.lastFilters.Years)
	assert.Equal(t, []string{"Mechanical", "Mechanical Engineering"}, s.lastFilters.Branches)
	assert.Equal(t, "Chennai", s.lastFilters.City)
	assert.Equal(t, []string{"fabrication"}, s.lastFilters.Services)
	assert.True(t, s.lastFilters.OnlyActive)
	assert.Equal(t, search.Options{Limit: 10, Page: 1}, s.lastOpts)

	require.Len(t, got.Results.Members, 2)
	first := got.Results.Members[0]
	assert.Equal(t, "mem-aaa", first.UID)
	assert.Equal(t, "Rajesh Kumar", first.Name)
	assert.Equal(t, 1995, first.GraduationYear)
	assert.Equal(t, "Kumar Fabricators", first.Organization)
	assert.Equal(t, []string{"Custom Metal Fabrication"}, first.Services)
	assert.InDelta(t, 0.91, first.RelevanceScore, 1e-9)
	assert.Equal(t, []string{"year", "city", "services"}, first.MatchedFields)

	assert.Equal(t, Pagination{
		CurrentPage:    1,
		TotalPages:     1,
		TotalResults:   2,
		ResultsPerPage: 10,
	}, got.Results.Pagination)

	require.NotNil(t, got.Response)
	assert.NotEmpty(t, got.Response.Conversational)
	assert.Len(t, got.Response.Suggestions, 3)

	assert.Equal(t, "regex", got.Performance.ExtractionMethod)
	assert.False(t, got.Performance.LLMUsed)
	assert.Empty(t, got.Performance.FallbackReason)
	assert.False(t, got.Degraded)
	assert.GreaterOrEqual(t, got.ExecutionTime, int64(0))
}

func TestProcessOptionsControlResponseBlocks(t *testing.T) {
	extraction, intentResult := businessExtraction()

	t.Run("no blocks", func(t *testing.T) {
		ext := &fakeExtractor{result: extraction, intentResult: intentResult}
		s := &fakeSearcher{result: searchFixture()}
		p := newTestPipeline(t, ext, s)

		got, err := p.Process(context.Background(), "find fabricators", "+91", Options{MaxResults: 10, Page: 1})
		require.NoError(t, err)
		assert.Nil(t, got.Response)
		assert.Zero(t, got.Performance.FormatTime)
	})

	t.Run("suggestions only", func(t *testing.T) {
		ext := &fakeExtractor{result: extraction, intentResult: intentResult}
		s := &fakeSearcher{result: searchFixture()}
		p := newTestPipeline(t, ext, s)

		got, err := p.Process(context.Background(), "find fabricators", "+91",
			Options{IncludeSuggestions: true, MaxResults: 10, Page: 1})
		require.NoError(t, err)
		require.NotNil(t, got.Response)
		assert.Empty(t, got.Response.Conversational)
		assert.Len(t, got.Response.Suggestions, 3)
	})

	t.Run("response only", func(t *testing.T) {
		ext := &fakeExtractor{result: extraction, intentResult: intentResult}
		s := &fakeSearcher{result: searchFixture()}
		p := newTestPipeline(t, ext, s)

		got, err := p.Process(context.Background(), "find fabricators", "+91",
			Options{IncludeResponse: true, MaxResults: 10, Page: 1})
		require.NoError(t, err)
		require.NotNil(t, got.Response)
		assert.NotEmpty(t, got.Response.Conversational)
		assert.Empty(t, got.Response.Suggestions)
	})
}

func TestProcessAmbiguousIntentLeadsWithRefinement(t *testing.T) {
	extraction, intentResult := businessExtraction()
	intentResult.Secondary = intent.FindPeers
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: searchFixture()}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(), "companies from my batch", "+919840012345", DefaultOptions())
	require.NoError(t, err)

	require.NotNil(t, got.Response)
	require.Len(t, got.Response.Suggestions, 3)
	assert.Equal(t, "Are you looking for batchmates or for companies?", got.Response.Suggestions[0])
}

func TestProcessClampsOptions(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: searchFixture()}
	p := newTestPipeline(t, ext, s)

	_, err := p.Process(context.Background(), "find fabricators", "+91",
		Options{IncludeResponse: true, IncludeSuggestions: true, MaxResults: 500, Page: 0})
	require.NoError(t, err)
	assert.Equal(t, search.Options{Limit: 50, Page: 1}, s.lastOpts)

	_, err = p.Process(context.Background(), "find fabricators", "+91",
		Options{IncludeResponse: true, IncludeSuggestions: true, MaxResults: -3, Page: -2})
	require.NoError(t, err)
	assert.Equal(t, search.Options{Limit: 10, Page: 1}, s.lastOpts)
}

func TestProcessLowSignalSkipsSearch(t *testing.T) {
	ext := &fakeExtractor{
		result:       extract.Result{Confidence: 0.3, Method: extract.MethodRegex},
		intentResult: intent.Result{Primary: intent.FindBusiness},
	}
	s := &fakeSearcher{}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(), "hello there", "+919840012345", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 0, s.calls)
	assert.Empty(t, got.Results.Members)
	assert.Equal(t, 0, got.Results.Pagination.TotalResults)
	assert.Equal(t, 1, got.Results.Pagination.CurrentPage)
	assert.Less(t, got.Understanding.Confidence, 0.5)
	require.NotNil(t, got.Response)
	assert.Contains(t, got.Response.Conversational, "No members matched")
	assert.Len(t, got.Response.Suggestions, 3)
}

func TestProcessSearchDegradationPropagates(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	degraded := searchFixture()
	degraded.Degraded = true
	degraded.RelaxedFilters = []string{"services"}
	s := &fakeSearcher{result: degraded}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(), "find fabricators", "+91", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Equal(t, []string{"services"}, got.RelaxedFilters)
}

func TestProcessExtractionFallbackMarksDegraded(t *testing.T) {
	extraction, intentResult := businessExtraction()
	extraction.FallbackReason = extract.FallbackLLMUnavailable
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: searchFixture()}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(), "find fabricators", "+91", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Equal(t, extract.FallbackLLMUnavailable, got.Performance.FallbackReason)
}

func TestProcessSearchUnavailable(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{err: errors.WithMessage(search.ErrStoreUnavailable, "keyword search: dial failed")}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(), "find fabricators", "+91", DefaultOptions())
	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSearchUnavailable))

	partial := PartialOf(err)
	require.NotNil(t, partial)
	assert.Equal(t, "find_business", partial.Understanding.Intent)
	assert.Empty(t, partial.Results.Members)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "The member directory is unreachable right now. Please try again in a moment.",
		perr.UserMessage())
}

func TestProcessInternalFailure(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{err: errors.New("driver bug")}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(), "find fabricators", "+91", DefaultOptions())
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.NotNil(t, PartialOf(err))
}

func TestProcessHardTimeout(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{fn: func(ctx context.Context) (*search.Result, error) {
		<-ctx.Done()
		return nil, errors.WithMessage(search.ErrStoreUnavailable, "list members: deadline exceeded")
	}}
	p, err := New(ext, s, nil, Config{SoftTimeout: 10 * time.Millisecond, HardTimeout: 30 * time.Millisecond})
	require.NoError(t, err)

	got, err := p.Process(context.Background(), "find fabricators", "+91", DefaultOptions())
	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	partial := PartialOf(err)
	require.NotNil(t, partial)
	assert.True(t, partial.Degraded)
	assert.Equal(t, "find_business", partial.Understanding.Intent)
}

func TestProcessCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult, onExtract: cancel}
	s := &fakeSearcher{fn: func(ctx context.Context) (*search.Result, error) {
		return nil, ctx.Err()
	}}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(ctx, "find fabricators", "+91", DefaultOptions())
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, context.Canceled))

	// Cancellation is not a taxonomy failure; no partial is kept.
	var perr *Error
	assert.False(t, errors.As(err, &perr))
}

func TestProcessSoftTimeoutSkipsLLM(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: searchFixture()}
	p := newTestPipeline(t, ext, s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := p.Process(ctx, "find fabricators", "+91", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 0, ext.extractCalls)
	assert.Equal(t, 1, ext.degradedCalls)
	assert.Equal(t, extract.FallbackSoftTimeout, ext.lastDegradedReason)
	assert.True(t, got.Degraded)
	assert.Equal(t, extract.FallbackSoftTimeout, got.Performance.FallbackReason)
}

func TestProcessAppliesSoftBudgetToExtraction(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: searchFixture()}
	p := newTestPipeline(t, ext, s)

	before := time.Now()
	_, err := p.Process(context.Background(), "find fabricators", "+91", DefaultOptions())
	require.NoError(t, err)

	require.True(t, ext.sawDeadline)
	assert.True(t, ext.deadline.After(before))
	assert.True(t, ext.deadline.Before(before.Add(3*time.Second+100*time.Millisecond)),
		"extraction deadline should come from the soft budget, not the hard one")
}

func TestProcessRecorder(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: searchFixture()}
	rec := &stubRecorder{}
	p, err := New(ext, s, rec, Config{})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), "find fabricators", "+91", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{StageExtract, StageSearch, StageFormat}, rec.stages)
	require.Len(t, rec.intents, 1)
	assert.Equal(t, "find_business", rec.intents[0])
	assert.Equal(t, "regex", rec.methods[0])
	assert.False(t, rec.degraded[0])
}

func TestProcessEmptyResultsStillResponds(t *testing.T) {
	extraction, intentResult := businessExtraction()
	ext := &fakeExtractor{result: extraction, intentResult: intentResult}
	s := &fakeSearcher{result: &search.Result{
		Members:    []search.ScoredMember{},
		Pagination: search.Pagination{Page: 1, PerPage: 10},
	}}
	p := newTestPipeline(t, ext, s)

	got, err := p.Process(context.Background(), "find underwater basket weavers", "+91", DefaultOptions())
	require.NoError(t, err)

	assert.Empty(t, got.Results.Members)
	require.NotNil(t, got.Response)
	assert.Contains(t, got.Response.Conversational, "No members matched")
	assert.Len(t, got.Response.Suggestions, 3)
}
