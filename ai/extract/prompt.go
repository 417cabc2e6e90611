package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/ai/core/llm"
	"github.com/sangamhq/sangam/ai/intent"
	"github.com/sangamhq/sangam/ai/normalize"
)

// baseSchema describes the output contract shared by every extraction prompt.
// Field guidance mirrors what the regex extractor recognizes so both paths
// produce comparable entities.
const baseSchema = `You extract search entities from queries about an engineering college alumni community.

Output fields (all optional, omit anything not present in the query):
- "year": array of 4-digit graduation years. Expand 2-digit years ("95 batch") to the matching 4-digit year.
- "branch": array of engineering branch names, e.g. "Mechanical Engineering", "Computer Science".
- "degree": degree name such as "B.E.", "B.Tech", "M.E.", "MBA".
- "location": a single city name.
- "skills": array of skill keywords.
- "services": array of product or service keywords the person's business offers.
- "name": a person's name, only when the query asks for a specific person.
- "organizationName": a company or organization name.
- "turnoverTier": one of "low", "med", "high" when the query mentions business size or turnover.

Rules:
- Respond with ONLY a valid JSON object. No prose, no explanations, no code fences.
- Omit fields that cannot be determined from the query.
- NEVER invent or guess values that are not in the query.`

// intentFocus sharpens the prompt toward the fields that matter for the
// classified intent.
var intentFocus = map[intent.Intent]string{
	intent.FindBusiness:       `Focus on "services", "location" and "turnoverTier": the user is looking for businesses offering something.`,
	intent.FindPeers:          `Focus on "year", "branch", "degree" and "location": the user is looking for batchmates.`,
	intent.FindSpecificPerson: `Focus on "name" and "organizationName": the user is looking for one specific person.`,
	intent.FindAlumniBusiness: `Focus on "year", "branch", "services" and "location": the user is looking for businesses run by alumni.`,
}

// SystemPrompt returns the extraction instruction for the classified intent.
func SystemPrompt(primary intent.Intent) string {
	focus, ok := intentFocus[primary]
	if !ok {
		return baseSchema
	}
	return baseSchema + "\n\n" + focus
}

// StrictSystemPrompt is the retry variant used after a parse failure. It
// repeats the contract with the shape spelled out, prose first, then the
// machine-readable schema.
func StrictSystemPrompt(primary intent.Intent) string {
	return SystemPrompt(primary) + `

Your previous response was not parseable. Respond again with NOTHING but one JSON object, starting with { and ending with }. Example shape:
{"year": [1995], "branch": ["Mechanical Engineering"], "location": "Chennai"}

The object must conform to this JSON Schema:
` + extractionSchemaJSON
}

// extractionSchema mirrors llmPayload. Only the strict retry embeds it; the
// first attempt keeps the cheaper prose contract.
var extractionSchema = &llm.JSONSchema{
	Type: "object",
	Properties: map[string]*llm.JSONSchema{
		"year":             {Type: "array", Items: &llm.JSONSchema{Type: "integer"}, Description: "4-digit graduation years"},
		"branch":           {Type: "array", Items: &llm.JSONSchema{Type: "string"}},
		"degree":           {Type: "string"},
		"location":         {Type: "string", Description: "a single city name"},
		"skills":           {Type: "array", Items: &llm.JSONSchema{Type: "string"}},
		"services":         {Type: "array", Items: &llm.JSONSchema{Type: "string"}},
		"name":             {Type: "string"},
		"organizationName": {Type: "string"},
		"turnoverTier":     {Type: "string", Enum: []string{"low", "med", "high"}},
	},
}

var extractionSchemaJSON = func() string {
	data, err := json.Marshal(extractionSchema)
	if err != nil {
		panic(err)
	}
	return string(data)
}()

// UserPrompt wraps the raw query for the extraction call.
func UserPrompt(query string) string {
	return "Query: " + query
}

// flexStrings accepts a JSON string or array of strings.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = flexStrings{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*f = flexStrings(many)
		return nil
	}
	// Mixed arrays ("branch": ["Mechanical", 1995]) keep the string members.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("expected string or array of strings")
	}
	out := flexStrings{}
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
		}
	}
	*f = out
	return nil
}

// flexInts accepts a JSON number, numeric string, or array of either.
type flexInts []int

func (f *flexInts) UnmarshalJSON(data []byte) error {
	if n, ok := parseFlexInt(data); ok {
		*f = flexInts{n}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("expected number or array of numbers")
	}
	out := flexInts{}
	for _, item := range raw {
		if n, ok := parseFlexInt(item); ok {
			out = append(out, n)
		}
	}
	*f = out
	return nil
}

func parseFlexInt(data []byte) (int, bool) {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, true
		}
	}
	return 0, false
}

// llmPayload mirrors the prompt contract. The parser tolerates both the
// prompt's "year" field and the wire-format "graduationYear", and scalar vs
// array shapes, since models disagree on all of these.
type llmPayload struct {
	Year             flexInts    `json:"year"`
	GraduationYear   flexInts    `json:"graduationYear"`
	Branch           flexStrings `json:"branch"`
	Degree           string      `json:"degree"`
	Location         string      `json:"location"`
	Skills           flexStrings `json:"skills"`
	Services         flexStrings `json:"services"`
	Name             string      `json:"name"`
	OrganizationName string      `json:"organizationName"`
	TurnoverTier     string      `json:"turnoverTier"`
}

// placeholderValues are strings models emit for "no value". They are dropped
// rather than treated as entities.
var placeholderValues = map[string]bool{
	"":              true,
	"null":          true,
	"none":          true,
	"unknown":       true,
	"n/a":           true,
	"na":            true,
	"not specified": true,
}

func isPlaceholder(s string) bool {
	return placeholderValues[strings.ToLower(strings.TrimSpace(s))]
}

// ParseEntities converts LLM output into canonical entities. Unmarshalling
// into the typed payload drops any hallucinated fields; every surviving value
// is then normalized, and values that fail validation (years outside the
// plausible window, placeholder strings) are silently discarded.
func ParseEntities(raw string) (Entities, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Entities{}, errors.New("empty extraction response")
	}

	var payload llmPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		// Some models wrap the object in prose despite instructions. Retry on
		// the outermost {...} span before giving up.
		start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return Entities{}, errors.Wrap(err, "invalid extraction JSON")
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
			return Entities{}, errors.Wrap(err, "invalid extraction JSON")
		}
	}

	entities := Entities{}
	for _, year := range append(payload.Year, payload.GraduationYear...) {
		if normalized, ok := normalize.Year(strconv.Itoa(year)); ok {
			entities.AddYear(normalized)
		}
	}
	for _, branch := range payload.Branch {
		if isPlaceholder(branch) {
			continue
		}
		if b, ok := normalize.BranchOf(branch); ok {
			entities.AddBranch(b)
		} else if term := normalize.Term(branch); term != "" {
			entities.Branches = append(entities.Branches, term)
		}
	}
	if !isPlaceholder(payload.Degree) {
		if degree, ok := normalize.Degree(payload.Degree); ok {
			entities.Degree = degree
		} else {
			entities.Degree = normalize.Term(payload.Degree)
		}
	}
	if !isPlaceholder(payload.Location) {
		if city, ok := normalize.City(payload.Location); ok {
			entities.Location = city
		} else {
			entities.Location = normalize.Term(payload.Location)
		}
	}
	for _, skill := range payload.Skills {
		if !isPlaceholder(skill) {
			entities.AddSkill(skill)
		}
	}
	for _, service := range payload.Services {
		if !isPlaceholder(service) {
			entities.AddService(service)
		}
	}
	if !isPlaceholder(payload.Name) {
		entities.Name = strings.TrimSpace(payload.Name)
	}
	if !isPlaceholder(payload.OrganizationName) {
		entities.OrganizationName = strings.TrimSpace(payload.OrganizationName)
	}
	if tier, ok := parseTierLabel(payload.TurnoverTier); ok {
		entities.TurnoverTier = tier
	}

	return entities, nil
}

// parseTierLabel accepts the canonical labels plus the spellings models
// commonly substitute.
func parseTierLabel(s string) (TurnoverTier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "small":
		return TurnoverLow, true
	case "med", "medium", "mid":
		return TurnoverMed, true
	case "high", "large":
		return TurnoverHigh, true
	}
	return "", false
}
