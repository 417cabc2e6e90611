// Package extract turns free-text member queries into typed entities. It
// layers a deterministic regex extractor, an LLM-backed extractor and an
// arbitration policy that merges the two.
package extract

import (
	"slices"
	"time"

	"github.com/sangamhq/sangam/ai/normalize"
)

// Method records which extraction path produced a result.
type Method string

const (
	MethodRegex  Method = "regex"
	MethodLLM    Method = "llm"
	MethodHybrid Method = "hybrid"
	MethodCached Method = "cached"
)

// TurnoverTier is the coarse revenue classification used in queries and
// member records. Low is under 1 crore, high above 10 crore, med between.
type TurnoverTier string

const (
	TurnoverLow  TurnoverTier = "low"
	TurnoverMed  TurnoverTier = "med"
	TurnoverHigh TurnoverTier = "high"
)

// ParseTurnoverTier validates a tier label from an external source.
func ParseTurnoverTier(s string) (TurnoverTier, bool) {
	switch TurnoverTier(s) {
	case TurnoverLow, TurnoverMed, TurnoverHigh:
		return TurnoverTier(s), true
	}
	return "", false
}

// TierForCrore maps a numeric turnover in crores of rupees to its tier.
func TierForCrore(crore float64) TurnoverTier {
	switch {
	case crore > 10:
		return TurnoverHigh
	case crore >= 1:
		return TurnoverMed
	default:
		return TurnoverLow
	}
}

// Entities is the typed interpretation of a query. All strings are canonical
// (normalize package forms); set-valued fields are de-duplicated.
type Entities struct {
	GraduationYears  []int        `json:"graduationYear,omitempty"`
	Branches         []string     `json:"branch,omitempty"`
	Degree           string       `json:"degree,omitempty"`
	Location         string       `json:"location,omitempty"`
	Skills           []string     `json:"skills,omitempty"`
	Services         []string     `json:"services,omitempty"`
	Name             string       `json:"name,omitempty"`
	OrganizationName string       `json:"organizationName,omitempty"`
	TurnoverTier     TurnoverTier `json:"turnoverTier,omitempty"`
}

// AddYear inserts a graduation year, keeping the set deduplicated and sorted.
func (e *Entities) AddYear(year int) {
	if slices.Contains(e.GraduationYears, year) {
		return
	}
	e.GraduationYears = append(e.GraduationYears, year)
	slices.Sort(e.GraduationYears)
}

// AddBranch inserts both the canonical name and the short tag of a branch.
func (e *Entities) AddBranch(b normalize.Branch) {
	for _, s := range []string{b.Canonical, b.Tag} {
		if s != "" && !slices.Contains(e.Branches, s) {
			e.Branches = append(e.Branches, s)
		}
	}
}

// AddSkill inserts a normalized skill term.
func (e *Entities) AddSkill(s string) {
	term := normalize.Term(s)
	if term != "" && !slices.Contains(e.Skills, term) {
		e.Skills = append(e.Skills, term)
	}
}

// AddService inserts a normalized service term.
func (e *Entities) AddService(s string) {
	term := normalize.Term(s)
	if term != "" && !slices.Contains(e.Services, term) {
		e.Services = append(e.Services, term)
	}
}

// IsEmpty reports whether no entity field is populated.
func (e Entities) IsEmpty() bool {
	return e.FieldCount() == 0
}

// FieldCount returns the number of populated entity fields.
func (e Entities) FieldCount() int {
	n := 0
	if len(e.GraduationYears) > 0 {
		n++
	}
	if len(e.Branches) > 0 {
		n++
	}
	if e.Degree != "" {
		n++
	}
	if e.Location != "" {
		n++
	}
	if len(e.Skills) > 0 {
		n++
	}
	if len(e.Services) > 0 {
		n++
	}
	if e.Name != "" {
		n++
	}
	if e.OrganizationName != "" {
		n++
	}
	if e.TurnoverTier != "" {
		n++
	}
	return n
}

// Clone returns a deep copy; slice fields do not alias the receiver's.
func (e Entities) Clone() Entities {
	out := e
	out.GraduationYears = slices.Clone(e.GraduationYears)
	out.Branches = slices.Clone(e.Branches)
	out.Skills = slices.Clone(e.Skills)
	out.Services = slices.Clone(e.Services)
	return out
}

// Result is the outcome of hybrid extraction. The pipeline never sees an
// error from extraction; degraded paths are reported through Method and
// FallbackReason instead.
type Result struct {
	Entities        Entities      `json:"entities"`
	Confidence      float64       `json:"confidence"`
	Method          Method        `json:"method"`
	LLMUsed         bool          `json:"llmUsed"`
	ExtractionTime  time.Duration `json:"extractionTime"`
	FallbackReason  string        `json:"fallbackReason,omitempty"`
	MatchedPatterns []string      `json:"matchedPatterns,omitempty"`
}
