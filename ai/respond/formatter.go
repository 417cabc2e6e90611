// Package respond renders ranked member results into the conversational
// reply and follow-up suggestions returned to the user. Everything here is
// pure string assembly: no I/O, no clock, safe to call concurrently.
package respond

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/ai/intent"
	"github.com/sangamhq/sangam/ai/search"
	"github.com/sangamhq/sangam/store"
)

const (
	// maxListRows bounds the list templates.
	maxListRows = 10
	// maxProfileRows bounds the detailed person template.
	maxProfileRows = 5
)

// FormatRequest carries the query understanding the templates phrase their
// headers from.
type FormatRequest struct {
	Query       string
	Intent      intent.Intent
	Entities    extract.Entities
	ResultCount int
}

// Format renders members into the template for the request intent. Members
// beyond the template's row cap are acknowledged with a trailing count line.
func Format(members []search.ScoredMember, req FormatRequest) string {
	if len(members) == 0 {
		return formatEmpty(req)
	}
	switch req.Intent {
	case intent.FindPeers:
		return formatPeers(members, req)
	case intent.FindSpecificPerson:
		return formatPerson(members, req)
	case intent.FindAlumniBusiness:
		return formatAlumniBusiness(members, req)
	default:
		return formatBusiness(members, req)
	}
}

func formatBusiness(members []search.ScoredMember, req FormatRequest) string {
	var b strings.Builder
	b.WriteString(businessHeader(req, ""))
	b.WriteString("\n")

	shown := min(len(members), maxListRows)
	for i, sm := range members[:shown] {
		m := sm.Member
		fmt.Fprintf(&b, "\n%d. **%s**", i+1, businessName(m))
		if m.City != "" {
			b.WriteString(", " + m.City)
		}
		b.WriteString("\n")
		if len(m.ProductsServices) > 0 {
			b.WriteString("   Services: " + strings.Join(m.ProductsServices, ", ") + "\n")
		}
		if contact := contactLine(m); contact != "" {
			b.WriteString("   Contact: " + contact + "\n")
		}
		if turnover := humanizeCrore(m.TurnoverCrore); turnover != "" {
			b.WriteString("   Turnover: " + turnover + "\n")
		}
		if len(sm.MatchedFields) > 0 {
			b.WriteString("   Matched: " + strings.Join(sm.MatchedFields, ", ") + "\n")
		}
	}
	writeTruncationNote(&b, req.ResultCount, shown)
	return strings.TrimRight(b.String(), "\n")
}

func formatPeers(members []search.ScoredMember, req FormatRequest) string {
	var b strings.Builder
	b.WriteString(peersHeader(req))
	b.WriteString("\n")

	shown := min(len(members), maxListRows)
	for i, sm := range members[:shown] {
		m := sm.Member
		fmt.Fprintf(&b, "\n%d. **%s** (%s)", i+1, m.Name, shortYear(m.GraduationYear))
		if edu := educationLine(m); edu != "" {
			b.WriteString(", " + edu)
		}
		b.WriteString("\n")
		if role := roleLine(m); role != "" {
			b.WriteString("   " + role + "\n")
		}
	}
	writeTruncationNote(&b, req.ResultCount, shown)
	return strings.TrimRight(b.String(), "\n")
}

func formatPerson(members []search.ScoredMember, req FormatRequest) string {
	var b strings.Builder
	switch {
	case req.Entities.Name != "":
		fmt.Fprintf(&b, "Found %s matching %q:\n", countNoun(req.ResultCount, "profile", "profiles"), req.Entities.Name)
	default:
		fmt.Fprintf(&b, "Found %s:\n", countNoun(req.ResultCount, "matching profile", "matching profiles"))
	}

	shown := min(len(members), maxProfileRows)
	for _, sm := range members[:shown] {
		m := sm.Member
		fmt.Fprintf(&b, "\n**%s** (%s batch)\n", m.Name, shortYear(m.GraduationYear))
		if role := roleLine(m); role != "" {
			b.WriteString(role + "\n")
		}
		if edu := educationLine(m); edu != "" {
			b.WriteString(edu + "\n")
		}
		if m.City != "" {
			b.WriteString("City: " + m.City + "\n")
		}
		if len(m.Skills) > 0 {
			b.WriteString("Skills: " + strings.Join(m.Skills, ", ") + "\n")
		}
		if len(m.ProductsServices) > 0 {
			b.WriteString("Services: " + strings.Join(m.ProductsServices, ", ") + "\n")
		}
		if contact := fullContactLine(m); contact != "" {
			b.WriteString("Contact: " + contact + "\n")
		}
		if turnover := humanizeCrore(m.TurnoverCrore); turnover != "" {
			b.WriteString("Turnover: " + turnover + "\n")
		}
	}
	writeTruncationNote(&b, req.ResultCount, shown)
	return strings.TrimRight(b.String(), "\n")
}

func formatAlumniBusiness(members []search.ScoredMember, req FormatRequest) string {
	var b strings.Builder
	b.WriteString(businessHeader(req, "alumni-run "))
	b.WriteString("\n")

	shown := min(len(members), maxListRows)
	for i, sm := range members[:shown] {
		m := sm.Member
		fmt.Fprintf(&b, "\n%d. **%s** (%s", i+1, m.Name, shortYear(m.GraduationYear))
		if m.Branch != "" {
			b.WriteString(" " + m.Branch)
		}
		b.WriteString(")")
		if m.Organization != "" {
			b.WriteString(", " + m.Organization)
		}
		b.WriteString("\n")
		if len(m.ProductsServices) > 0 {
			b.WriteString("   Services: " + strings.Join(m.ProductsServices, ", ") + "\n")
		}
		var tail []string
		if m.City != "" {
			tail = append(tail, m.City)
		}
		if turnover := humanizeCrore(m.TurnoverCrore); turnover != "" {
			tail = append(tail, "Turnover: "+turnover)
		}
		if len(tail) > 0 {
			b.WriteString("   " + strings.Join(tail, " | ") + "\n")
		}
	}
	writeTruncationNote(&b, req.ResultCount, shown)
	return strings.TrimRight(b.String(), "\n")
}

func formatEmpty(req FormatRequest) string {
	var b strings.Builder
	if strings.TrimSpace(req.Query) != "" {
		fmt.Fprintf(&b, "No members matched your search for %q.\n", strings.TrimSpace(req.Query))
	} else {
		b.WriteString("No members matched your search.\n")
	}
	if described := describeEntities(req.Entities); described != "" {
		b.WriteString("I looked for: " + described + ".\n")
	}
	if filter := firstRelaxableFilter(req.Entities); filter != "" {
		fmt.Fprintf(&b, "Try searching without the %s filter, or use different keywords.", filter)
	} else {
		b.WriteString("Try different keywords, or add details like batch year, branch, or city.")
	}
	return b.String()
}

func businessHeader(req FormatRequest, kind string) string {
	header := fmt.Sprintf("Found %s", countNoun(req.ResultCount, kind+"business", kind+"businesses"))
	if len(req.Entities.Services) > 0 {
		header += " offering " + joinWords(req.Entities.Services)
	}
	if req.Entities.Location != "" {
		header += " in " + req.Entities.Location
	}
	if len(req.Entities.Services) == 0 && req.Entities.Location == "" {
		header += " matching your search"
	}
	return header + ":"
}

func peersHeader(req FormatRequest) string {
	e := req.Entities
	header := fmt.Sprintf("Found %s", countNoun(req.ResultCount, "batchmate", "batchmates"))
	switch {
	case len(e.GraduationYears) > 0 && len(e.Branches) > 0:
		header += fmt.Sprintf(" from the %s %s batch", joinYears(e.GraduationYears), joinWords(e.Branches))
	case len(e.GraduationYears) > 0:
		header += fmt.Sprintf(" from the %s batch", joinYears(e.GraduationYears))
	case len(e.Branches) > 0:
		header += " from the " + joinWords(e.Branches) + " branch"
	}
	return header + ":"
}

// businessName prefers the organization; members without one are listed by
// their own name.
func businessName(m *store.Member) string {
	if m.Organization != "" {
		return m.Organization
	}
	return m.Name
}

func educationLine(m *store.Member) string {
	switch {
	case m.Degree != "" && m.Branch != "":
		return m.Degree + " " + m.Branch
	case m.Degree != "":
		return m.Degree
	default:
		return m.Branch
	}
}

func roleLine(m *store.Member) string {
	var role string
	switch {
	case m.Designation != "" && m.Organization != "":
		role = m.Designation + " at " + m.Organization
	case m.Designation != "":
		role = m.Designation
	case m.Organization != "":
		role = "Works at " + m.Organization
	}
	if m.City != "" {
		if role == "" {
			return m.City
		}
		return role + ", " + m.City
	}
	return role
}

func contactLine(m *store.Member) string {
	reach := joinNonEmpty([]string{m.Phone, m.Email}, ", ")
	switch {
	case m.Name != "" && reach != "":
		return m.Name + " (" + reach + ")"
	case reach != "":
		return reach
	default:
		return m.Name
	}
}

func fullContactLine(m *store.Member) string {
	return joinNonEmpty([]string{m.Phone, m.Email}, ", ")
}

func writeTruncationNote(b *strings.Builder, total, shown int) {
	if total > shown {
		fmt.Fprintf(b, "\nFound %d results, showing the first %d.\n", total, shown)
	}
}

// describeEntities renders the active filters as a readable list for the
// empty-result template.
func describeEntities(e extract.Entities) string {
	var parts []string
	if len(e.GraduationYears) > 0 {
		parts = append(parts, "the "+joinYears(e.GraduationYears)+" batch")
	}
	if len(e.Branches) > 0 {
		parts = append(parts, joinWords(e.Branches)+" branch")
	}
	if e.Degree != "" {
		parts = append(parts, e.Degree+" degree")
	}
	if e.Location != "" {
		parts = append(parts, "in "+e.Location)
	}
	if len(e.Skills) > 0 {
		parts = append(parts, "skills like "+joinWords(e.Skills))
	}
	if len(e.Services) > 0 {
		parts = append(parts, "services like "+joinWords(e.Services))
	}
	if e.Name != "" {
		parts = append(parts, fmt.Sprintf("the name %q", e.Name))
	}
	if e.OrganizationName != "" {
		parts = append(parts, fmt.Sprintf("the organization %q", e.OrganizationName))
	}
	if e.TurnoverTier != "" {
		parts = append(parts, tierWord(e.TurnoverTier)+" turnover")
	}
	return strings.Join(parts, ", ")
}

// firstRelaxableFilter names the filter the user should drop first, matching
// the search engine's relaxation order.
func firstRelaxableFilter(e extract.Entities) string {
	switch {
	case len(e.Services) > 0:
		return "services"
	case len(e.Skills) > 0:
		return "skills"
	case e.Location != "":
		return "city"
	case e.TurnoverTier != "":
		return "turnover"
	}
	return ""
}

func tierWord(t extract.TurnoverTier) string {
	switch t {
	case extract.TurnoverLow:
		return "low"
	case extract.TurnoverHigh:
		return "high"
	default:
		return "medium"
	}
}

// humanizeCrore renders a crore amount in the unit people actually say:
// crore at or above one crore, lakh down to one lakh, thousands below that.
// Non-positive amounts render empty so callers can drop the line.
func humanizeCrore(crore float64) string {
	switch {
	case crore <= 0:
		return ""
	case crore >= 1:
		return "₹" + trimAmount(crore) + " Cr"
	case crore >= 0.01:
		return "₹" + trimAmount(crore*100) + " L"
	default:
		return "₹" + trimAmount(crore*10000) + " K"
	}
}

func trimAmount(v float64) string {
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0")
}

func shortYear(year int) string {
	if year <= 0 {
		return "'??"
	}
	return fmt.Sprintf("'%02d", year%100)
}

func countNoun(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(n) + " " + plural
}

// joinWords joins values conversationally: "a", "a and b", "a, b and c".
func joinWords(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	default:
		return strings.Join(words[:len(words)-1], ", ") + " and " + words[len(words)-1]
	}
}

func joinYears(years []int) string {
	words := make([]string, len(years))
	for i, y := range years {
		words[i] = strconv.Itoa(y)
	}
	return joinWords(words)
}

func joinNonEmpty(values []string, sep string) string {
	kept := values[:0:0]
	for _, v := range values {
		if v != "" {
			kept = append(kept, v)
		}
	}
	return strings.Join(kept, sep)
}
