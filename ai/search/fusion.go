package search

import (
	"slices"

	"github.com/sangamhq/sangam/store"
)

// Weights controls how the three ranking signals combine into one relevance
// score. They are normalized by their sum, so only ratios matter.
type Weights struct {
	Semantic float64
	Keyword  float64
	Field    float64
}

// DefaultWeights favors semantic similarity, with keyword overlap second and
// structured-field coverage as a tiebreaker-strength signal.
var DefaultWeights = Weights{Semantic: 0.5, Keyword: 0.3, Field: 0.2}

func (w Weights) sum() float64 {
	return w.Semantic + w.Keyword + w.Field
}

// ScoredMember is one ranked search result with its score breakdown.
type ScoredMember struct {
	Member        *store.Member
	Relevance     float64
	SemanticScore float64
	KeywordScore  float64
	MatchedFields []string
}

// candidate accumulates per-stream signals for one member before fusion.
// Streams are unioned by member ID, so a member found by both keyword and
// vector search carries both scores.
type candidate struct {
	member        *store.Member
	semantic      float64
	keyword       float64
	keywordFields []string
}

// fieldBoostSaturation is the structured-field count at which the field
// signal maxes out. Beyond four matched fields extra precision adds nothing.
const fieldBoostSaturation = 4

func fieldBoost(matched int) float64 {
	return min(1.0, float64(matched)/fieldBoostSaturation)
}

// fieldOrder fixes the presentation order of matched fields, most precise
// first. Unknown names sort after all known ones.
var fieldOrder = map[string]int{
	"year":         0,
	"branch":       1,
	"degree":       2,
	"city":         3,
	"skills":       4,
	"services":     5,
	"turnover":     6,
	"name":         7,
	"organization": 8,
}

func fieldRank(name string) int {
	if r, ok := fieldOrder[name]; ok {
		return r
	}
	return len(fieldOrder)
}

// mergeFields unions two matched-field lists into canonical order.
func mergeFields(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, name := range a {
		if !seen[name] {
			seen[name] = true
			merged = append(merged, name)
		}
	}
	for _, name := range b {
		if !seen[name] {
			seen[name] = true
			merged = append(merged, name)
		}
	}
	slices.SortStableFunc(merged, func(x, y string) int {
		return fieldRank(x) - fieldRank(y)
	})
	return merged
}

// fuse combines candidate signals into the final ranked list. filterFields
// are the structured fields every candidate already satisfied; they count
// toward the field boost and the reported matched fields. Keyword scores are
// normalized by the batch maximum so they share the [0, 1] range with
// semantic similarity.
func fuse(cands []candidate, filterFields []string, w Weights) []ScoredMember {
	results := make([]ScoredMember, 0, len(cands))
	if len(cands) == 0 {
		return results
	}

	maxKeyword := 0.0
	for _, c := range cands {
		if c.keyword > maxKeyword {
			maxKeyword = c.keyword
		}
	}

	weightSum := w.sum()
	for _, c := range cands {
		semantic := clamp01(c.semantic)
		keyword := c.keyword
		if maxKeyword > 0 {
			keyword = clamp01(c.keyword / maxKeyword)
		}
		fields := mergeFields(filterFields, c.keywordFields)

		relevance := 0.0
		if weightSum > 0 {
			relevance = (w.Semantic*semantic + w.Keyword*keyword + w.Field*fieldBoost(len(fields))) / weightSum
		}
		results = append(results, ScoredMember{
			Member:        c.member,
			Relevance:     relevance,
			SemanticScore: semantic,
			KeywordScore:  keyword,
			MatchedFields: fields,
		})
	}

	slices.SortStableFunc(results, compareScored)
	return results
}

// compareScored orders results by relevance, then by how many fields
// matched, then by profile recency, with member ID as the final
// deterministic tiebreaker.
func compareScored(a, b ScoredMember) int {
	switch {
	case a.Relevance > b.Relevance:
		return -1
	case a.Relevance < b.Relevance:
		return 1
	}
	switch {
	case len(a.MatchedFields) > len(b.MatchedFields):
		return -1
	case len(a.MatchedFields) < len(b.MatchedFields):
		return 1
	}
	switch {
	case a.Member.UpdatedTs > b.Member.UpdatedTs:
		return -1
	case a.Member.UpdatedTs < b.Member.UpdatedTs:
		return 1
	}
	switch {
	case a.Member.ID < b.Member.ID:
		return -1
	case a.Member.ID > b.Member.ID:
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	return min(1.0, max(0.0, v))
}
