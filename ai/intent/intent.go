// Package intent scores member queries against the four supported search
// intents using weighted rule sets.
package intent

import (
	"regexp"
	"strings"

	"github.com/sangamhq/sangam/ai/normalize"
)

// Intent identifies what kind of lookup the user is asking for.
type Intent string

const (
	FindBusiness       Intent = "find_business"
	FindPeers          Intent = "find_peers"
	FindSpecificPerson Intent = "find_specific_person"
	FindAlumniBusiness Intent = "find_alumni_business"
)

// classifyOrder fixes iteration order so classification is deterministic.
var classifyOrder = []Intent{FindBusiness, FindPeers, FindSpecificPerson, FindAlumniBusiness}

// Result is the classifier output. Secondary is empty unless a second intent
// scored within 25% of the primary.
type Result struct {
	Primary         Intent   `json:"primary"`
	Secondary       Intent   `json:"secondary,omitempty"`
	Confidence      float64  `json:"intentConfidence"`
	MatchedPatterns []string `json:"matchedPatterns,omitempty"`
}

// IsAmbiguous reports whether a competing intent scored close to the primary.
func (r Result) IsAmbiguous() bool {
	return r.Secondary != ""
}

type rule struct {
	name    string
	weight  float64
	pattern *regexp.Regexp
}

// nameStoplist disqualifies capitalized query vocabulary from acting as a
// person-name signal.
var nameStoplist = map[string]bool{
	"web": true, "it": true, "development": true, "companies": true,
	"company": true, "engineers": true, "engineer": true, "alumni": true,
	"batch": true, "business": true, "services": true, "mechanical": true,
	"civil": true, "electrical": true, "electronics": true, "computer": true,
	"information": true, "technology": true, "chennai": true, "all": true,
}

// Classifier scores queries against fixed rule sets. It is pure; the same
// query always produces the same result.
type Classifier struct {
	rules    map[Intent][]rule
	findName *regexp.Regexp
}

// NewClassifier compiles the rule sets.
func NewClassifier() *Classifier {
	aliases := normalize.BranchAliases()
	branchAlt := make([]string, 0, len(aliases))
	for _, a := range aliases {
		branchAlt = append(branchAlt, regexp.QuoteMeta(a))
	}

	return &Classifier{
		findName: regexp.MustCompile(`\b[Ff]ind\s+([A-Z][a-z]+)\b`),
		rules: map[Intent][]rule{
			FindBusiness: {
				{"business_nouns", 0.6, regexp.MustCompile(`(?i)\b(?:compan(?:y|ies)|firms?|business(?:es)?|enterprises?|industr(?:y|ies))\b`)},
				{"service_nouns", 0.4, regexp.MustCompile(`(?i)\b(?:services?|vendors?|suppliers?|consultants?|agenc(?:y|ies))\b`)},
				{"service_verbs", 0.3, regexp.MustCompile(`(?i)\b(?:who\s+(?:does|provides|offers)|looking\s+for)\b`)},
				{"revenue_terms", 0.2, regexp.MustCompile(`(?i)\b(?:turnover|crores?|lakhs?|revenue)\b`)},
			},
			FindPeers: {
				{"year", 0.5, regexp.MustCompile(`\b(?:19|20)\d{2}\b|\b\d{2}\s*(?:passout|batch)\b`)},
				{"batch_words", 0.6, regexp.MustCompile(`(?i)\b(?:batch(?:mates?)?|classmates?|passouts?)\b`)},
				{"alumni", 0.4, regexp.MustCompile(`(?i)\balumni\s+(?:from|of|in)\b|\balumni\b`)},
				{"branch", 0.3, regexp.MustCompile(`(?i)\b(?:` + strings.Join(branchAlt, "|") + `)\b`)},
				{"cohort_nouns", 0.2, regexp.MustCompile(`(?i)\b(?:engineers?|graduates?)\b`)},
			},
			FindSpecificPerson: {
				{"person_queries", 0.7, regexp.MustCompile(`(?i)\b(?:who\s+is|contacts?\s+(?:of|for)|details\s+of|phone\s+number\s+of)\b`)},
				{"org_hint", 0.2, regexp.MustCompile(`\bfrom\s+[A-Z][A-Za-z&.]+`)},
				{"plural_penalty", -0.4, regexp.MustCompile(`(?i)\b(?:companies|engineers|batchmates|members|firms)\b`)},
			},
			// find_alumni_business is derived from co-occurrence, not rules.
			FindAlumniBusiness: {},
		},
	}
}

// Classify scores the query against every intent. The top score becomes the
// primary; the runner-up becomes secondary when within 25% of the top. When
// peer and business signals co-occur with comparable strength, the combined
// find_alumni_business intent takes over.
func (c *Classifier) Classify(query string) Result {
	query = strings.TrimSpace(query)

	scores := make(map[Intent]float64, len(classifyOrder))
	fired := make(map[string]bool)
	var matched []string

	for _, it := range classifyOrder {
		for _, ru := range c.rules[it] {
			if ru.pattern.MatchString(query) {
				scores[it] += ru.weight
				fired[string(it)+":"+ru.name] = true
				matched = append(matched, string(it)+":"+ru.name)
			}
		}
		if scores[it] < 0 {
			scores[it] = 0
		}
	}

	// Capitalized-name heuristic, guarded by the stoplist.
	if m := c.findName.FindStringSubmatch(query); m != nil && !nameStoplist[strings.ToLower(m[1])] {
		scores[FindSpecificPerson] += 0.6
		matched = append(matched, string(FindSpecificPerson)+":find_name")
	}

	// A batch-or-year signal together with a business signal indicates an
	// alumni-business lookup, unless one side clearly dominates. Branch words
	// alone do not count: "textile industry" is a business query, not a
	// cohort one.
	peers, business := scores[FindPeers], scores[FindBusiness]
	batchSignal := fired[string(FindPeers)+":year"] || fired[string(FindPeers)+":batch_words"]
	if batchSignal && peers > 0 && business > 0 {
		weak, strong := peers, business
		if weak > strong {
			weak, strong = strong, weak
		}
		if weak >= 0.4*strong {
			scores[FindAlumniBusiness] = strong + 0.5*weak + 0.2
			matched = append(matched, string(FindAlumniBusiness)+":peer_business_cooccurrence")
		}
	}

	primary, secondary, top, runnerUp := rank(scores)
	if top == 0 {
		return Result{Primary: FindBusiness, Confidence: 0}
	}

	r := Result{Primary: primary, MatchedPatterns: matched}
	if runnerUp >= 0.75*top && runnerUp > 0 {
		r.Secondary = secondary
	}
	r.Confidence = clamp01(top / (top + runnerUp))
	return r
}

// rank returns the two best intents in the fixed classifyOrder tie-break.
func rank(scores map[Intent]float64) (first, second Intent, top, runner float64) {
	first, second = FindBusiness, ""
	for _, it := range classifyOrder {
		s := scores[it]
		switch {
		case s > top:
			second, runner = first, top
			first, top = it, s
		case s > runner:
			second, runner = it, s
		}
	}
	if runner == 0 {
		second = ""
	}
	return first, second, top, runner
}

// SuggestRefinement returns short prompts that disambiguate the query when
// two intents scored closely. Empty when the result is unambiguous.
func SuggestRefinement(r Result) []string {
	if !r.IsAmbiguous() {
		return nil
	}

	pair := map[Intent]bool{r.Primary: true, r.Secondary: true}
	switch {
	case pair[FindPeers] && pair[FindBusiness]:
		return []string{
			"Are you looking for batchmates or for companies?",
			"Add a year like '1995 batch' to find people, or a service like 'web development' to find businesses.",
		}
	case pair[FindSpecificPerson] && pair[FindBusiness]:
		return []string{
			"Are you looking for one person or for companies?",
			"Add a full name to find a person, or an industry to find businesses.",
		}
	case pair[FindAlumniBusiness] && pair[FindPeers]:
		return []string{
			"Do you want businesses run by that batch, or the batchmates themselves?",
		}
	default:
		return []string{
			"Add a year, branch, city or service to narrow the search.",
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
