package search

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/store"
)

type fakeStore struct {
	listFn    func(find *store.FindMember) ([]*store.Member, error)
	keywordFn func(opts *store.KeywordSearchOptions) ([]*store.KeywordMatch, error)
	vectorFn  func(opts *store.VectorSearchOptions) ([]*store.MemberWithScore, error)

	listFinds       []*store.FindMember
	keywordCalls    int
	vectorCalls     int
	lastKeywordOpts *store.KeywordSearchOptions
	lastVectorOpts  *store.VectorSearchOptions
}

func (s *fakeStore) ListMembers(_ context.Context, find *store.FindMember) ([]*store.Member, error) {
	s.listFinds = append(s.listFinds, find)
	if s.listFn == nil {
		return nil, errors.New("unexpected ListMembers call")
	}
	return s.listFn(find)
}

func (s *fakeStore) KeywordSearch(_ context.Context, opts *store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
	s.keywordCalls++
	s.lastKeywordOpts = opts
	if s.keywordFn == nil {
		return nil, errors.New("unexpected KeywordSearch call")
	}
	return s.keywordFn(opts)
}

func (s *fakeStore) VectorSearch(_ context.Context, opts *store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
	s.vectorCalls++
	s.lastVectorOpts = opts
	if s.vectorFn == nil {
		return nil, errors.New("unexpected VectorSearch call")
	}
	return s.vectorFn(opts)
}

type fakeEmbedder struct {
	vector   []float32
	err      error
	calls    int
	lastText string
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	e.lastText = text
	if e.err != nil {
		return nil, e.err
	}
	return e.vector, nil
}

// directory returns a fresh copy of the test member set per call so tests
// cannot leak mutations into each other.
func directory() []*store.Member {
	return []*store.Member{
		{
			ID: 1, Name: "Rajesh Kumar", GraduationYear: 1995,
			Branch: "Mechanical Engineering", City: "Chennai",
			Organization:     "Kumar Fabricators",
			Skills:           []string{"TIG Welding"},
			ProductsServices: []string{"Custom Metal Fabrication"},
			TurnoverCrore:    2.5, IsActive: true, UpdatedTs: 100,
		},
		{
			ID: 2, Name: "Anita Rao", GraduationYear: 1995,
			Branch: "Mechanical Engineering", City: "Coimbatore",
			Organization:     "Rao CNC Works",
			ProductsServices: []string{"CNC Machining"},
			TurnoverCrore:    0.5, IsActive: true, UpdatedTs: 200,
		},
		{
			ID: 3, Name: "Vikram Singh", GraduationYear: 1998,
			Branch: "Computer Science", City: "Chennai",
			Organization:     "Singh Software",
			ProductsServices: []string{"Software Consulting"},
			TurnoverCrore:    12, IsActive: true, UpdatedTs: 300,
		},
		{
			ID: 4, Name: "Priya Nair", GraduationYear: 1995,
			Branch: "Mechanical Engineering", City: "Chennai",
			Organization: "Nair Industries",
			IsActive:     true, UpdatedTs: 50,
		},
	}
}

func keywordMatch(m *store.Member, score float64, fields ...string) *store.KeywordMatch {
	return &store.KeywordMatch{Member: m, Score: score, MatchedFields: fields}
}

func newTestEngine(t *testing.T, st MemberStore, emb Embedder) *Engine {
	t.Helper()
	engine, err := NewEngine(st, emb, EngineConfig{})
	require.NoError(t, err)
	return engine
}

func TestNewEngineRequiresStore(t *testing.T) {
	_, err := NewEngine(nil, nil, EngineConfig{})
	assert.Error(t, err)
}

func TestEngineConfigDefaults(t *testing.T) {
	cfg := EngineConfig{}
	cfg.applyDefaults()
	assert.Equal(t, 10, cfg.DefaultLimit)
	assert.Equal(t, 50, cfg.MaxLimit)
	assert.Equal(t, 5, cfg.CandidateFactor)
}

func TestSearchRejectsEmptyInput(t *testing.T) {
	engine := newTestEngine(t, &fakeStore{}, nil)

	_, err := engine.Search(context.Background(), "   ", Filters{}, Options{})
	assert.ErrorIs(t, err, ErrCannotSearch)

	_, err = engine.Search(context.Background(), "", Filters{OnlyActive: true}, Options{})
	assert.ErrorIs(t, err, ErrCannotSearch, "active-only is not a searchable constraint")
}

func TestSearchUnionAndFusion(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{
				keywordMatch(members[0], 2.0, "name"),
				keywordMatch(members[1], 1.0, "services"),
			}, nil
		},
		vectorFn: func(*store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
			return []*store.MemberWithScore{
				{Member: members[1], Score: 0.9},
				{Member: members[2], Score: 0.8},
			}, nil
		},
	}
	emb := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	engine := newTestEngine(t, st, emb)

	result, err := engine.Search(context.Background(), "fabrication experts", Filters{}, Options{Limit: 10})
	require.NoError(t, err)

	// Member 2 is in both streams, member 1 keyword-only, member 3 vector-only.
	assert.Equal(t, []int32{2, 3, 1}, scoredIDs(result.Members))
	assert.InDelta(t, 0.65, result.Members[0].Relevance, 1e-6)
	assert.InDelta(t, 0.40, result.Members[1].Relevance, 1e-6)
	assert.InDelta(t, 0.35, result.Members[2].Relevance, 1e-6)
	assert.Equal(t, []string{"services"}, result.Members[0].MatchedFields)
	assert.Empty(t, result.Members[1].MatchedFields)
	assert.Equal(t, []string{"name"}, result.Members[2].MatchedFields)

	assert.False(t, result.Degraded)
	assert.Empty(t, result.RelaxedFilters)
	assert.Equal(t, Pagination{Page: 1, PerPage: 10, Total: 3, TotalPages: 1}, result.Pagination)

	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, "fabrication experts", emb.lastText)
	require.NotNil(t, st.lastKeywordOpts)
	assert.Equal(t, 50, st.lastKeywordOpts.Limit, "candidate budget is limit times factor")
	require.NotNil(t, st.lastVectorOpts)
	assert.Equal(t, []float32{0.1, 0.2}, st.lastVectorOpts.Vector)
}

func TestSearchAppliesHardFilters(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{
				keywordMatch(members[0], 3.0, "organization"),
				keywordMatch(members[1], 2.0, "name"),
				keywordMatch(members[2], 1.0, "name"),
			}, nil
		},
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return members, nil
		},
	}
	engine := newTestEngine(t, st, nil)

	filters := Filters{Years: []int{1995}, City: "chennai"}
	result, err := engine.Search(context.Background(), "fabricators", filters, Options{Limit: 2})
	require.NoError(t, err)

	// Members 2 (wrong city) and 3 (wrong year) are filtered out.
	assert.Equal(t, []int32{1, 4}, scoredIDs(result.Members))
	assert.Equal(t, []string{"year", "city", "organization"}, result.Members[0].MatchedFields)
	assert.Equal(t, []string{"year", "city"}, result.Members[1].MatchedFields)
	assert.InDelta(t, 0.45, result.Members[0].Relevance, 1e-6)
	assert.InDelta(t, 0.10, result.Members[1].Relevance, 1e-6)

	assert.Empty(t, result.RelaxedFilters, "page filled without relaxing")
	require.Len(t, st.listFinds, 1)
	assert.Equal(t, []int{1995}, st.listFinds[0].GraduationYears)
	require.NotNil(t, st.listFinds[0].City)
	assert.Equal(t, "chennai", *st.listFinds[0].City)
}

// Extraction emits branches as canonical-plus-tag pairs ("Mechanical",
// "MECH") while the directory stores long forms; the filter must still hit.
func TestSearchBranchFilterMatchesStoredForms(t *testing.T) {
	st := &fakeStore{
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return directory(), nil
		},
	}
	engine := newTestEngine(t, st, nil)

	filters := Filters{Years: []int{1995}, Branches: []string{"Mechanical", "MECH"}}
	result, err := engine.Search(context.Background(), "", filters, Options{Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, []int32{2, 1, 4}, scoredIDs(result.Members))
	for _, m := range result.Members {
		assert.Equal(t, []string{"year", "branch"}, m.MatchedFields)
	}
	assert.Empty(t, result.RelaxedFilters)
}

func TestSearchRelaxesFiltersInOrder(t *testing.T) {
	members := directory()
	st := &fakeStore{
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return members, nil
		},
	}
	engine := newTestEngine(t, st, nil)

	filters := Filters{
		Years:    []int{1995},
		City:     "chennai",
		Skills:   []string{"welding"},
		Services: []string{"metal fabrication"},
	}
	result, err := engine.Search(context.Background(), "", filters, Options{Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"services", "skills", "city"}, result.RelaxedFilters)
	assert.Equal(t, []int32{2, 1, 4}, scoredIDs(result.Members), "ties broken by profile recency")
	for _, m := range result.Members {
		assert.Equal(t, []string{"year"}, m.MatchedFields)
	}

	// The filter stream is re-fetched per relaxation stage with the
	// loosened condition.
	require.Len(t, st.listFinds, 4)
	assert.Equal(t, []string{"metal fabrication"}, st.listFinds[0].Services)
	assert.Nil(t, st.listFinds[1].Services)
	assert.Nil(t, st.listFinds[2].Skills)
	assert.Nil(t, st.listFinds[3].City)
	assert.Equal(t, []int{1995}, st.listFinds[3].GraduationYears)
}

func TestSearchNeverRelaxesYearOrName(t *testing.T) {
	st := &fakeStore{
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return directory(), nil
		},
	}
	engine := newTestEngine(t, st, nil)

	filters := Filters{Years: []int{1999}, Name: "unknown"}
	result, err := engine.Search(context.Background(), "", filters, Options{Limit: 5})
	require.NoError(t, err)

	assert.Empty(t, result.Members)
	assert.Empty(t, result.RelaxedFilters)
	assert.Equal(t, 0, result.Pagination.Total)
	require.Len(t, st.listFinds, 1)
}

func TestSearchPureFilterSkipsTextStreams(t *testing.T) {
	st := &fakeStore{
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return directory(), nil
		},
	}
	emb := &fakeEmbedder{vector: []float32{0.5}}
	engine := newTestEngine(t, st, emb)

	result, err := engine.Search(context.Background(), "", Filters{Years: []int{1995}}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []int32{2, 1, 4}, scoredIDs(result.Members))
	assert.Equal(t, 0, st.keywordCalls)
	assert.Equal(t, 0, st.vectorCalls)
	assert.Equal(t, 0, emb.calls)
	assert.False(t, result.Degraded)
}

func TestSearchEmbedFailureDegradesToKeyword(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{keywordMatch(members[0], 1.0, "name")}, nil
		},
	}
	emb := &fakeEmbedder{err: errors.New("embedding provider down")}
	engine := newTestEngine(t, st, emb)

	result, err := engine.Search(context.Background(), "rajesh", Filters{}, Options{})
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, []int32{1}, scoredIDs(result.Members))
	assert.Equal(t, 0, st.vectorCalls, "vector search skipped without an embedding")
}

func TestSearchVectorFailureDegrades(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{keywordMatch(members[0], 1.0, "name")}, nil
		},
		vectorFn: func(*store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
			return nil, errors.New("index offline")
		},
	}
	engine := newTestEngine(t, st, &fakeEmbedder{vector: []float32{0.5}})

	result, err := engine.Search(context.Background(), "rajesh", Filters{}, Options{})
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, []int32{1}, scoredIDs(result.Members))
	assert.Equal(t, 1, st.vectorCalls)
}

func TestSearchKeywordFailureDegradesToVector(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return nil, errors.New("fts offline")
		},
		vectorFn: func(*store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
			return []*store.MemberWithScore{{Member: members[2], Score: 0.8}}, nil
		},
	}
	engine := newTestEngine(t, st, &fakeEmbedder{vector: []float32{0.5}})

	result, err := engine.Search(context.Background(), "software", Filters{}, Options{})
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, []int32{3}, scoredIDs(result.Members))
}

func TestSearchAllTextStreamsFailedNoFilters(t *testing.T) {
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return nil, errors.New("fts offline")
		},
		vectorFn: func(*store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
			return nil, errors.New("index offline")
		},
	}
	engine := newTestEngine(t, st, &fakeEmbedder{vector: []float32{0.5}})

	_, err := engine.Search(context.Background(), "anything", Filters{}, Options{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSearchTextStreamsFailFilterFallback(t *testing.T) {
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return nil, errors.New("fts offline")
		},
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return directory(), nil
		},
	}
	engine := newTestEngine(t, st, nil)

	result, err := engine.Search(context.Background(), "1995 batch", Filters{Years: []int{1995}}, Options{})
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, []int32{2, 1, 4}, scoredIDs(result.Members))
}

func TestSearchListFailurePureFilter(t *testing.T) {
	st := &fakeStore{
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return nil, errors.New("db down")
		},
	}
	engine := newTestEngine(t, st, nil)

	_, err := engine.Search(context.Background(), "", Filters{Years: []int{1995}}, Options{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSearchListFailureWithTextStreamContinues(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{keywordMatch(members[0], 2.0, "name")}, nil
		},
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return nil, errors.New("db down")
		},
	}
	engine := newTestEngine(t, st, nil)

	result, err := engine.Search(context.Background(), "rajesh", Filters{Years: []int{1995}}, Options{Limit: 1})
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, []int32{1}, scoredIDs(result.Members))
}

func TestSearchPagination(t *testing.T) {
	members := make([]*store.Member, 5)
	matches := make([]*store.KeywordMatch, 5)
	for i := range members {
		members[i] = &store.Member{ID: int32(i + 1), Name: "Member", IsActive: true}
		matches[i] = keywordMatch(members[i], float64(5-i))
	}
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return matches, nil
		},
	}
	engine := newTestEngine(t, st, nil)

	result, err := engine.Search(context.Background(), "member", Filters{}, Options{Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 4}, scoredIDs(result.Members))
	assert.Equal(t, Pagination{
		Page: 2, PerPage: 2, Total: 5, TotalPages: 3,
		HasNext: true, HasPrev: true,
	}, result.Pagination)

	result, err = engine.Search(context.Background(), "member", Filters{}, Options{Limit: 2, Page: 4})
	require.NoError(t, err)
	assert.Empty(t, result.Members)
	assert.False(t, result.Pagination.HasNext)
	assert.True(t, result.Pagination.HasPrev)
}

func TestSearchCapsRequestedLimit(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{keywordMatch(members[0], 1.0)}, nil
		},
	}
	engine := newTestEngine(t, st, nil)

	result, err := engine.Search(context.Background(), "rajesh", Filters{}, Options{Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, result.Pagination.PerPage)
}

func TestSearchDeterministicOrdering(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{
				keywordMatch(members[0], 1.0),
				keywordMatch(members[1], 1.0),
				keywordMatch(members[2], 1.0),
				keywordMatch(members[3], 1.0),
			}, nil
		},
	}
	engine := newTestEngine(t, st, nil)

	first, err := engine.Search(context.Background(), "member", Filters{}, Options{})
	require.NoError(t, err)
	second, err := engine.Search(context.Background(), "member", Filters{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []int32{3, 2, 1, 4}, scoredIDs(first.Members), "equal scores fall back to recency")
	assert.Equal(t, scoredIDs(first.Members), scoredIDs(second.Members))
}

func TestSearchOnlyActivePropagates(t *testing.T) {
	members := directory()
	st := &fakeStore{
		keywordFn: func(*store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
			return []*store.KeywordMatch{keywordMatch(members[0], 1.0)}, nil
		},
		vectorFn: func(*store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
			return nil, nil
		},
		listFn: func(*store.FindMember) ([]*store.Member, error) {
			return directory(), nil
		},
	}
	engine := newTestEngine(t, st, &fakeEmbedder{vector: []float32{0.5}})

	filters := FiltersFromEntities(extract.Entities{}, true)
	filters.Years = []int{1995}
	_, err := engine.Search(context.Background(), "rajesh", filters, Options{Limit: 1})
	require.NoError(t, err)

	require.NotNil(t, st.lastKeywordOpts)
	assert.True(t, st.lastKeywordOpts.OnlyActive)
	require.NotNil(t, st.lastVectorOpts)
	assert.True(t, st.lastVectorOpts.OnlyActive)
	require.NotEmpty(t, st.listFinds)
	assert.True(t, st.listFinds[0].OnlyActive)
}
