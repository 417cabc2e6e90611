// Package normalize provides the canonicalizers shared by the extraction
// paths. Every function here is pure and idempotent: the regex extractor and
// the LLM merge step both call them, and the two paths must agree on the
// canonical form bit-exactly.
package normalize

import (
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Branch is the canonical name and short tag for an academic specialization.
type Branch struct {
	Canonical string
	Tag       string
}

// cityAliases maps lowercased variants to the canonical title-cased city.
// Canonical names map to themselves so the function is idempotent.
var cityAliases = map[string]string{
	"chennai":            "Chennai",
	"madras":             "Chennai",
	"mumbai":             "Mumbai",
	"bombay":             "Mumbai",
	"bengaluru":          "Bengaluru",
	"bangalore":          "Bengaluru",
	"hyderabad":          "Hyderabad",
	"coimbatore":         "Coimbatore",
	"kovai":              "Coimbatore",
	"madurai":            "Madurai",
	"tiruchirappalli":    "Tiruchirappalli",
	"trichy":             "Tiruchirappalli",
	"salem":              "Salem",
	"erode":              "Erode",
	"tirunelveli":        "Tirunelveli",
	"vellore":            "Vellore",
	"hosur":              "Hosur",
	"puducherry":         "Puducherry",
	"pondicherry":        "Puducherry",
	"kochi":              "Kochi",
	"cochin":             "Kochi",
	"thiruvananthapuram": "Thiruvananthapuram",
	"trivandrum":         "Thiruvananthapuram",
	"delhi":              "Delhi",
	"new delhi":          "Delhi",
	"pune":               "Pune",
	"kolkata":            "Kolkata",
	"calcutta":           "Kolkata",
	"ahmedabad":          "Ahmedabad",
	"gurugram":           "Gurugram",
	"gurgaon":            "Gurugram",
	"noida":              "Noida",
	"singapore":          "Singapore",
	"dubai":              "Dubai",
	"london":             "London",
}

// branchAliases maps lowercased variants to the canonical branch. Both the
// canonical name and the tag map to themselves.
var branchAliases = map[string]Branch{
	"mechanical":                    {"Mechanical", "MECH"},
	"mechanical engineering":        {"Mechanical", "MECH"},
	"mech":                          {"Mechanical", "MECH"},
	"civil":                         {"Civil", "CIVIL"},
	"civil engineering":             {"Civil", "CIVIL"},
	"electrical and electronics":    {"Electrical and Electronics", "EEE"},
	"electrical":                    {"Electrical and Electronics", "EEE"},
	"eee":                           {"Electrical and Electronics", "EEE"},
	"electronics and communication": {"Electronics and Communication", "ECE"},
	"electronics":                   {"Electronics and Communication", "ECE"},
	"ece":                           {"Electronics and Communication", "ECE"},
	"computer science":              {"Computer Science", "CSE"},
	"computer science engineering":  {"Computer Science", "CSE"},
	"comp sci":                      {"Computer Science", "CSE"},
	"cse":                           {"Computer Science", "CSE"},
	"cs":                            {"Computer Science", "CSE"},
	"information technology":        {"Information Technology", "IT"},
	"chemical":                      {"Chemical", "CHEM"},
	"chemical engineering":          {"Chemical", "CHEM"},
	"production":                    {"Production", "PROD"},
	"production engineering":        {"Production", "PROD"},
	"instrumentation":               {"Instrumentation", "ICE"},
	"ice":                           {"Instrumentation", "ICE"},
	"eie":                           {"Instrumentation", "ICE"},
	"automobile":                    {"Automobile", "AUTO"},
	"auto":                          {"Automobile", "AUTO"},
	"textile":                       {"Textile", "TEXTILE"},
	"textile technology":            {"Textile", "TEXTILE"},
	"metallurgy":                    {"Metallurgy", "MET"},
	"met":                           {"Metallurgy", "MET"},
	"biotechnology":                 {"Biotechnology", "BIOTECH"},
	"biotech":                       {"Biotechnology", "BIOTECH"},
}

// degreeAliases maps lowercased variants to the canonical degree label.
var degreeAliases = map[string]string{
	"be":      "B.E",
	"b.e":     "B.E",
	"b.e.":    "B.E",
	"btech":   "B.Tech",
	"b.tech":  "B.Tech",
	"b tech":  "B.Tech",
	"me":      "M.E",
	"m.e":     "M.E",
	"m.e.":    "M.E",
	"mtech":   "M.Tech",
	"m.tech":  "M.Tech",
	"m tech":  "M.Tech",
	"mba":     "MBA",
	"m.b.a":   "MBA",
	"mca":     "MCA",
	"m.c.a":   "MCA",
	"bca":     "BCA",
	"bsc":     "B.Sc",
	"b.sc":    "B.Sc",
	"msc":     "M.Sc",
	"m.sc":    "M.Sc",
	"bcom":    "B.Com",
	"b.com":   "B.Com",
	"mcom":    "M.Com",
	"m.com":   "M.Com",
	"phd":     "PhD",
	"ph.d":    "PhD",
	"ph.d.":   "PhD",
	"diploma": "Diploma",
}

// City canonicalizes a city mention. Unknown cities return ok=false; callers
// drop the entity rather than carry an unnormalized value.
func City(s string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = collapseSpaces(key)
	city, ok := cityAliases[key]
	return city, ok
}

// KnownCities returns the canonical city names, for dictionary-driven matching.
func KnownCities() []string {
	seen := make(map[string]bool, len(cityAliases))
	var cities []string
	for _, c := range cityAliases {
		if !seen[c] {
			seen[c] = true
			cities = append(cities, c)
		}
	}
	slices.Sort(cities)
	return cities
}

// CityAliases returns every recognized lowercased city variant, longest first
// so multi-word aliases win on overlap.
func CityAliases() []string {
	aliases := make([]string, 0, len(cityAliases))
	for a := range cityAliases {
		aliases = append(aliases, a)
	}
	sortByLengthDesc(aliases)
	return aliases
}

// BranchOf canonicalizes a branch mention into its canonical name and tag.
func BranchOf(s string) (Branch, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = collapseSpaces(key)
	key = strings.TrimSuffix(key, " engg")
	b, ok := branchAliases[key]
	return b, ok
}

// BranchAliases returns every recognized lowercased branch variant, longest
// first so multi-word aliases win on overlap.
func BranchAliases() []string {
	aliases := make([]string, 0, len(branchAliases))
	for a := range branchAliases {
		aliases = append(aliases, a)
	}
	sortByLengthDesc(aliases)
	return aliases
}

// Degree canonicalizes a degree mention ("b.e", "BTech") to its label.
func Degree(s string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = collapseSpaces(key)
	d, ok := degreeAliases[key]
	return d, ok
}

// Year parses a 2- or 4-digit graduation year, pivoting 2-digit values on the
// current year. See YearAt for the pivot rule.
func Year(s string) (int, bool) {
	return YearAt(s, time.Now())
}

// YearAt parses a graduation year relative to the given clock. Two-digit
// values at or above the current year mod 100 are 19xx, below it 20xx. Years
// outside [1950, current+5] are rejected.
func YearAt(s string, now time.Time) (int, bool) {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return 0, false
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}

	switch len(s) {
	case 2:
		if n >= now.Year()%100 {
			n += 1900
		} else {
			n += 2000
		}
	case 4:
	default:
		return 0, false
	}

	if n < 1950 || n > now.Year()+5 {
		return 0, false
	}
	return n, true
}

// Query canonicalizes raw query text for cache keys and the normalizedQuery
// field: lowercase, punctuation stripped, whitespace collapsed.
func Query(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return collapseSpaces(strings.TrimSpace(b.String()))
}

// Term canonicalizes a skill or service token for set de-duplication.
func Term(s string) string {
	return collapseSpaces(strings.ToLower(strings.TrimSpace(s)))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sortByLengthDesc(ss []string) {
	slices.SortFunc(ss, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
}
