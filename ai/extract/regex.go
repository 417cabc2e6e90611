package extract

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sangamhq/sangam/ai/normalize"
)

// Per-pattern confidence weights. The total is capped at 1.
const (
	weightYear     = 0.30
	weightBranch   = 0.25
	weightDegree   = 0.20
	weightLocation = 0.25
	weightService  = 0.30
	weightSkill    = 0.20
	weightTurnover = 0.20
	weightName     = 0.30
	weightOrg      = 0.25
)

// DefaultConfidenceThreshold is the regex confidence below which the LLM
// path is considered.
const DefaultConfidenceThreshold = 0.5

// serviceLexicon is the curated list of product/service phrases members
// register under. Matched longest-first.
var serviceLexicon = []string{
	"web development",
	"software development",
	"mobile app development",
	"it consulting",
	"it services",
	"it infrastructure",
	"digital marketing",
	"digital transformation",
	"cloud services",
	"erp implementation",
	"erp",
	"manufacturing",
	"real estate",
	"civil construction",
	"construction",
	"interior design",
	"event management",
	"catering",
	"textiles",
	"logistics",
	"transportation",
	"printing",
	"packaging",
	"pharmaceuticals",
	"healthcare",
	"education",
	"training",
	"recruitment",
	"hr services",
	"legal services",
	"financial services",
	"insurance",
	"solar energy",
	"automation",
	"exports",
}

// skillLexicon is the curated list of individual skill terms.
var skillLexicon = []string{
	"machine learning",
	"data science",
	"quality control",
	"project management",
	"supply chain",
	"javascript",
	"python",
	"java",
	"golang",
	"react",
	"devops",
	"aws",
	"azure",
	"cad",
	"plc",
	"welding",
	"accounting",
	"auditing",
	"marketing",
	"sales",
	"design",
}

// nameStoplist holds lowercased words that disqualify a capitalized capture
// from being treated as a person or organization name.
var nameStoplist = map[string]bool{
	"web": true, "it": true, "development": true, "companies": true,
	"company": true, "engineers": true, "engineer": true, "alumni": true,
	"batch": true, "batchmates": true, "classmates": true, "business": true,
	"businesses": true, "services": true, "people": true, "members": true,
	"mechanical": true, "civil": true, "electrical": true, "electronics": true,
	"computer": true, "science": true, "information": true, "technology": true,
	"all": true, "anyone": true, "someone": true, "the": true,
}

// RegexResult is the deterministic extractor's output.
type RegexResult struct {
	Entities        Entities
	Confidence      float64
	MatchedPatterns []string
	NeedsLLM        bool
}

// RegexExtractor extracts entities with compiled patterns only. It is pure
// and deterministic; the same query always yields the same result.
type RegexExtractor struct {
	threshold float64
	now       func() time.Time

	year4      *regexp.Regexp
	year2      *regexp.Regexp
	yearOf     *regexp.Regexp
	branch     *regexp.Regexp
	degree     *regexp.Regexp
	location   *regexp.Regexp
	cityBased  *regexp.Regexp
	service    *regexp.Regexp
	skill      *regexp.Regexp
	above      *regexp.Regexp
	tierHigh   *regexp.Regexp
	tierLow    *regexp.Regexp
	name       *regexp.Regexp
	org        *regexp.Regexp
	connective *regexp.Regexp
}

// NewRegexExtractor compiles the pattern set. A non-positive threshold uses
// DefaultConfidenceThreshold.
func NewRegexExtractor(threshold float64) *RegexExtractor {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &RegexExtractor{
		threshold: threshold,
		now:       time.Now,

		year4:  regexp.MustCompile(`\b((?:19|20)\d{2})\b`),
		year2:  regexp.MustCompile(`\b(\d{2})\s*(?:passout|pass\s*out|batch)\b`),
		yearOf: regexp.MustCompile(`\bbatch\s+of\s+'?(\d{2})\b`),
		branch: regexp.MustCompile(`(?i)\b(` + alternation(longestFirst(normalize.BranchAliases())) + `)\b`),
		// Bare "be"/"me" collide with English words, so the dotted degree
		// forms are required for those two.
		degree:    regexp.MustCompile(`(?i)\b(b\.e\.?|m\.e\.?|b\.?tech|m\.?tech|mba|m\.b\.a|mca|bca|b\.?sc|m\.?sc|b\.?com|m\.?com|ph\.?d\.?|diploma)\b`),
		location:  regexp.MustCompile(`(?i)\b(?:in|at|near)\s+([a-z]+(?:\s+[a-z]+)?)`),
		cityBased: regexp.MustCompile(`(?i)\b([a-z]+(?:\s[a-z]+)?)-based\b`),
		service:   regexp.MustCompile(`(?i)\b(` + alternation(longestFirst(serviceLexicon)) + `)\b`),
		skill:     regexp.MustCompile(`(?i)\b(` + alternation(longestFirst(skillLexicon)) + `)\b`),
		above:     regexp.MustCompile(`(?i)\babove\s+(?:rs\.?\s*)?(\d+(?:\.\d+)?)\s*(crores?|cr|lakhs?)\b`),
		tierHigh:  regexp.MustCompile(`(?i)\b(?:high turnover|successful|top companies|big companies|large companies)\b`),
		tierLow:   regexp.MustCompile(`(?i)\b(?:small business(?:es)?|startups?|low turnover)\b`),
		name:      regexp.MustCompile(`\b(?:[Ff]ind|[Ww]ho\s+is|[Cc]ontact\s+(?:of|for)|[Dd]etails\s+of)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`),
		org:       regexp.MustCompile(`\b(?:from|at|with|of)\s+([A-Z][A-Za-z0-9&.]*(?:\s+[A-Z][A-Za-z0-9&.]*){0,3})`),

		connective: regexp.MustCompile(`(?i)\b(?:and|or|but)\b`),
	}
}

// Extract runs every pattern over the query and scores the result. The
// query is matched as given; canonicalization happens per captured token.
func (x *RegexExtractor) Extract(query string) RegexResult {
	query = strings.TrimSpace(query)
	now := x.now()

	var r RegexResult
	var confidence float64
	fired := func(pattern string, weight float64) {
		r.MatchedPatterns = append(r.MatchedPatterns, pattern)
		confidence += weight
	}

	// Years: 4-digit first so "1995 batch" is not read as "95 batch".
	if years := x.year4.FindAllStringSubmatch(query, -1); len(years) > 0 {
		matched := false
		for _, m := range years {
			if y, ok := normalize.YearAt(m[1], now); ok {
				r.Entities.AddYear(y)
				matched = true
			}
		}
		if matched {
			fired("year_4digit", weightYear)
		}
	}
	twoDigit := x.year2.FindAllStringSubmatch(query, -1)
	twoDigit = append(twoDigit, x.yearOf.FindAllStringSubmatch(query, -1)...)
	if len(twoDigit) > 0 {
		matched := false
		for _, m := range twoDigit {
			if y, ok := normalize.YearAt(m[1], now); ok && !slices.Contains(r.Entities.GraduationYears, y) {
				r.Entities.AddYear(y)
				matched = true
			}
		}
		if matched {
			fired("year_2digit", weightYear)
		}
	}

	if branches := x.branch.FindAllStringSubmatch(query, -1); len(branches) > 0 {
		matched := false
		for _, m := range branches {
			if b, ok := normalize.BranchOf(m[1]); ok {
				r.Entities.AddBranch(b)
				matched = true
			}
		}
		if matched {
			fired("branch", weightBranch)
		}
	}

	if m := x.degree.FindStringSubmatch(query); m != nil {
		if d, ok := normalize.Degree(m[1]); ok {
			r.Entities.Degree = d
			fired("degree", weightDegree)
		}
	}

	if city := x.matchCity(query); city != "" {
		r.Entities.Location = city
		fired("location", weightLocation)
	}

	if services := x.service.FindAllStringSubmatch(query, -1); len(services) > 0 {
		for _, m := range services {
			r.Entities.AddService(m[1])
		}
		fired("services", weightService)
	}

	if skills := x.skill.FindAllStringSubmatch(query, -1); len(skills) > 0 {
		for _, m := range skills {
			r.Entities.AddSkill(m[1])
		}
		fired("skills", weightSkill)
	}

	if tier, ok := x.matchTurnover(query); ok {
		r.Entities.TurnoverTier = tier
		fired("turnover", weightTurnover)
	}

	if name := x.matchName(query); name != "" {
		r.Entities.Name = name
		fired("name", weightName)
		if org := x.matchOrg(query, name); org != "" {
			r.Entities.OrganizationName = org
			fired("organization", weightOrg)
		}
	}

	r.Confidence = min(confidence, 1.0)
	r.NeedsLLM = r.Confidence < x.threshold ||
		len(r.MatchedPatterns) == 0 ||
		(x.connective.MatchString(query) && r.Entities.FieldCount() >= 2)
	return r
}

// matchCity resolves "in <City>", "at <City>" and "<City>-based" mentions.
// Captures that fail city normalization are retried on their first word, so
// "in chennai from 1995" still resolves.
func (x *RegexExtractor) matchCity(query string) string {
	for _, re := range []*regexp.Regexp{x.location, x.cityBased} {
		for _, m := range re.FindAllStringSubmatch(query, -1) {
			if city, ok := normalize.City(m[1]); ok {
				return city
			}
			if first, _, cut := strings.Cut(m[1], " "); cut {
				if city, ok := normalize.City(first); ok {
					return city
				}
			}
		}
	}
	return ""
}

// matchTurnover maps turnover phrases to a tier. "above X" phrases ask for
// a floor, so they resolve to med or high; low only comes from explicit
// small-business wording.
func (x *RegexExtractor) matchTurnover(query string) (TurnoverTier, bool) {
	if m := x.above.FindStringSubmatch(query); m != nil {
		value, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			if strings.HasPrefix(strings.ToLower(m[2]), "l") {
				value /= 100 // lakhs to crores
			}
			if value >= 10 {
				return TurnoverHigh, true
			}
			return TurnoverMed, true
		}
	}
	if x.tierHigh.MatchString(query) {
		return TurnoverHigh, true
	}
	if x.tierLow.MatchString(query) {
		return TurnoverLow, true
	}
	return "", false
}

// matchName applies the weakly-trusted capitalized-bigram heuristic. Any
// stoplisted word in the capture disqualifies it.
func (x *RegexExtractor) matchName(query string) string {
	m := x.name.FindStringSubmatch(query)
	if m == nil {
		return ""
	}
	candidate := strings.TrimSpace(m[1])
	for _, w := range strings.Fields(strings.ToLower(candidate)) {
		if nameStoplist[w] {
			return ""
		}
	}
	if _, isCity := normalize.City(candidate); isCity {
		return ""
	}
	return candidate
}

// orgStoplist rejects captures that are query vocabulary rather than an
// organization. Unlike nameStoplist it allows industry words ("Technology",
// "Services") that are common in company names.
var orgStoplist = map[string]bool{
	"companies": true, "company": true, "engineers": true, "alumni": true,
	"batch": true, "batchmates": true, "classmates": true, "people": true,
	"members": true, "all": true, "anyone": true, "someone": true, "the": true,
}

// matchOrg looks for a capitalized span after from/at/with/of that is not
// the already-captured name and not a known city.
func (x *RegexExtractor) matchOrg(query, name string) string {
	for _, m := range x.org.FindAllStringSubmatch(query, -1) {
		candidate := strings.TrimSpace(m[1])
		if candidate == "" || candidate == name || strings.HasPrefix(candidate, name) {
			continue
		}
		if _, isCity := normalize.City(candidate); isCity {
			continue
		}
		stoplisted := false
		for _, w := range strings.Fields(strings.ToLower(candidate)) {
			if orgStoplist[w] {
				stoplisted = true
				break
			}
		}
		if !stoplisted {
			return candidate
		}
	}
	return ""
}

// alternation joins alternatives into a single regexp group.
func alternation(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(quoted, "|")
}

// longestFirst orders alternatives so longer phrases win over their own
// substrings under leftmost-first alternation.
func longestFirst(terms []string) []string {
	sorted := slices.Clone(terms)
	slices.SortFunc(sorted, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return sorted
}
