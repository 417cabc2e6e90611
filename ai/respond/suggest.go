package respond

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/ai/intent"
)

// suggestionCount is the fixed number of follow-ups every reply carries.
const suggestionCount = 3

// fillers top up the suggestion list when the intent-specific builders
// produce fewer than three usable entries.
var fillers = []string{
	"Try different keywords",
	"Add a batch year or branch",
	"Search by city instead",
}

// SuggestRequest is the context the suggestion builders dispatch on.
// Refinements carries the classifier's disambiguation prompts; when present
// they lead the suggestion list.
type SuggestRequest struct {
	Intent      intent.Intent
	Entities    extract.Entities
	ResultCount int
	Refinements []string
}

// Suggest returns exactly three non-empty follow-up suggestions. Ambiguity
// refinements come first, then empty result sets get relaxation-oriented
// suggestions naming the filters that were present; otherwise the intent
// picks the refinement angle.
func Suggest(req SuggestRequest) []string {
	var raw []string
	if req.ResultCount == 0 {
		raw = emptyResultSuggestions(req.Entities)
	} else {
		switch req.Intent {
		case intent.FindPeers:
			raw = peerSuggestions(req.Entities)
		case intent.FindSpecificPerson:
			raw = personSuggestions(req.Entities)
		case intent.FindAlumniBusiness:
			raw = alumniBusinessSuggestions(req.Entities)
		default:
			raw = businessSuggestions(req.Entities)
		}
	}
	combined := make([]string, 0, len(req.Refinements)+len(raw))
	combined = append(combined, req.Refinements...)
	combined = append(combined, raw...)
	return exactlyThree(combined)
}

func emptyResultSuggestions(e extract.Entities) []string {
	var s []string
	if len(e.Services) > 0 {
		s = append(s, fmt.Sprintf("Search without %q", e.Services[0]))
	}
	if len(e.Skills) > 0 {
		s = append(s, fmt.Sprintf("Search without the %s skill", e.Skills[0]))
	}
	if e.Location != "" {
		s = append(s, "Search beyond "+e.Location)
	}
	if e.TurnoverTier != "" {
		s = append(s, "Remove the turnover filter")
	}
	if len(s) == 0 {
		s = append(s, "Broaden your search")
	}
	return append(s, "Try different keywords", "Broaden your search")
}

func businessSuggestions(e extract.Entities) []string {
	var s []string
	if e.Location != "" {
		s = append(s, locationSwap(e))
	} else {
		s = append(s, "Add a city, like Chennai")
	}
	if len(e.Services) > 0 {
		s = append(s, "Explore services related to "+e.Services[0])
	} else {
		s = append(s, "Name a service you need")
	}
	if len(e.GraduationYears) == 0 {
		s = append(s, "Filter by batch year, like 1995")
	} else {
		s = append(s, "Drop the batch filter for more results")
	}
	return s
}

func peerSuggestions(e extract.Entities) []string {
	var s []string
	if len(e.GraduationYears) > 0 {
		y := e.GraduationYears[0]
		s = append(s, fmt.Sprintf("See the %d and %d batches too", y-1, y+1))
	} else {
		s = append(s, "Add your batch year")
	}
	if len(e.Branches) > 0 {
		s = append(s, "Include branches beyond "+e.Branches[0])
	} else {
		s = append(s, "Filter by branch, like Mechanical")
	}
	return append(s, "Find businesses run by these batchmates")
}

func personSuggestions(e extract.Entities) []string {
	var s []string
	if len(e.GraduationYears) > 0 {
		s = append(s, "See everyone from the "+strconv.Itoa(e.GraduationYears[0])+" batch")
	} else {
		s = append(s, "Search by their batch year")
	}
	if e.OrganizationName != "" {
		s = append(s, "Find others at "+e.OrganizationName)
	} else {
		s = append(s, "Search by their company")
	}
	return append(s, "Search by designation instead")
}

func alumniBusinessSuggestions(e extract.Entities) []string {
	var s []string
	if len(e.GraduationYears) > 0 {
		y := e.GraduationYears[0]
		s = append(s, fmt.Sprintf("Check the %d and %d batches too", y-1, y+1))
	} else {
		s = append(s, "Add a batch year to narrow down")
	}
	if len(e.Services) > 0 {
		s = append(s, "Explore services related to "+e.Services[0])
	} else {
		s = append(s, "Name a service you need")
	}
	if e.Location != "" {
		s = append(s, "Search beyond "+e.Location)
	} else {
		s = append(s, "Add a city to narrow down")
	}
	return s
}

// locationSwap proposes the conventional alternate hub so the suggestion
// stays concrete.
func locationSwap(e extract.Entities) string {
	alternate := "Chennai"
	if strings.EqualFold(e.Location, "Chennai") {
		alternate = "Coimbatore"
	}
	service := ""
	if len(e.Services) > 0 {
		service = e.Services[0] + " "
	}
	return fmt.Sprintf("Try %scompanies in %s", service, alternate)
}

// exactlyThree enforces the output contract: three distinct, non-empty
// suggestions, topping up from the fillers when needed.
func exactlyThree(raw []string) []string {
	out := make([]string, 0, suggestionCount)
	seen := make(map[string]bool, suggestionCount)
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] || len(out) == suggestionCount {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range raw {
		add(v)
	}
	for _, v := range fillers {
		add(v)
	}
	return out
}
