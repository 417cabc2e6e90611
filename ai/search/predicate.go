// Package search implements the member search engine: parallel keyword and
// vector candidate retrieval, CEL filter predicates with fixed-order
// relaxation, and weighted score fusion.
package search

import (
	"slices"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/ai/extract"
	"github.com/sangamhq/sangam/ai/normalize"
	"github.com/sangamhq/sangam/store"
)

// predicateCacheSize bounds the compiled-program cache. Filter shapes repeat
// heavily (same entity combinations produce the same expression), so a small
// cache covers most traffic.
const predicateCacheSize = 256

// Filters is the structured search filter set derived from extracted
// entities. String values are canonical normalize-package forms.
type Filters struct {
	Years        []int
	Branches     []string
	Degree       string
	City         string
	Skills       []string
	Services     []string
	TurnoverTier extract.TurnoverTier
	Name         string
	Organization string

	// OnlyActive restricts candidates to active members. It is a search
	// option, not an extracted entity, so it never appears in matched
	// fields and is never relaxed.
	OnlyActive bool
}

// FiltersFromEntities maps extracted entities onto the filter set.
func FiltersFromEntities(e extract.Entities, onlyActive bool) Filters {
	return Filters{
		Years:        slices.Clone(e.GraduationYears),
		Branches:     slices.Clone(e.Branches),
		Degree:       e.Degree,
		City:         e.Location,
		Skills:       slices.Clone(e.Skills),
		Services:     slices.Clone(e.Services),
		TurnoverTier: e.TurnoverTier,
		Name:         e.Name,
		Organization: e.OrganizationName,
		OnlyActive:   onlyActive,
	}
}

// IsEmpty reports whether no entity-derived constraint is set. OnlyActive
// alone does not make a filter set searchable.
func (f Filters) IsEmpty() bool {
	return len(f.Years) == 0 &&
		len(f.Branches) == 0 &&
		f.Degree == "" &&
		f.City == "" &&
		len(f.Skills) == 0 &&
		len(f.Services) == 0 &&
		f.TurnoverTier == "" &&
		f.Name == "" &&
		f.Organization == ""
}

// has reports whether the named relaxable field carries a constraint.
func (f Filters) has(field string) bool {
	switch field {
	case "services":
		return len(f.Services) > 0
	case "skills":
		return len(f.Skills) > 0
	case "city":
		return f.City != ""
	case "turnover":
		return f.TurnoverTier != ""
	}
	return false
}

// without returns a copy with the named relaxable field cleared. Year, name
// and the other precise fields have no relaxation path.
func (f Filters) without(field string) Filters {
	switch field {
	case "services":
		f.Services = nil
	case "skills":
		f.Skills = nil
	case "city":
		f.City = ""
	case "turnover":
		f.TurnoverTier = ""
	}
	return f
}

// findMember translates the filter set into a store listing condition. The
// SQL side may over-approximate (tier bounds are inclusive); the compiled
// predicate re-verifies every candidate exactly.
func (f Filters) findMember(limit int) *store.FindMember {
	find := &store.FindMember{
		OnlyActive: f.OnlyActive,
		Limit:      &limit,
	}
	if len(f.Years) > 0 {
		find.GraduationYears = slices.Clone(f.Years)
	}
	if len(f.Branches) > 0 {
		find.Branches = slices.Clone(f.Branches)
	}
	if f.Degree != "" {
		degree := f.Degree
		find.Degree = &degree
	}
	if f.City != "" {
		city := f.City
		find.City = &city
	}
	if len(f.Skills) > 0 {
		find.Skills = slices.Clone(f.Skills)
	}
	if len(f.Services) > 0 {
		find.Services = slices.Clone(f.Services)
	}
	switch f.TurnoverTier {
	case extract.TurnoverLow:
		high := 1.0
		find.MaxTurnoverCrore = &high
	case extract.TurnoverMed:
		low, high := 1.0, 10.0
		find.MinTurnoverCrore = &low
		find.MaxTurnoverCrore = &high
	case extract.TurnoverHigh:
		low := 10.0
		find.MinTurnoverCrore = &low
	}
	if f.Name != "" {
		name := f.Name
		find.NameLike = &name
	}
	if f.Organization != "" {
		org := f.Organization
		find.OrganizationLike = &org
	}
	return find
}

// expression renders the filter set as a CEL expression plus the canonical
// names of the constrained fields. Values are sorted so equivalent filter
// sets produce the same expression, which doubles as the program cache key.
func (f Filters) expression() (string, []string) {
	var conds, fields []string

	if len(f.Years) > 0 {
		years := slices.Clone(f.Years)
		slices.Sort(years)
		parts := make([]string, len(years))
		for i, y := range years {
			parts[i] = strconv.Itoa(y)
		}
		conds = append(conds, "year in ["+strings.Join(parts, ", ")+"]")
		fields = append(fields, "year")
	}
	if len(f.Branches) > 0 {
		// Branches compare in canonical space: "Mechanical", "MECH" and
		// "Mechanical Engineering" all collapse to the same value, on the
		// filter side here and on the member side in activation.
		forms := make([]string, 0, len(f.Branches))
		for _, b := range f.Branches {
			form := canonicalBranch(b)
			if !slices.Contains(forms, form) {
				forms = append(forms, form)
			}
		}
		slices.Sort(forms)
		quoted := make([]string, len(forms))
		for i, form := range forms {
			quoted[i] = celString(form)
		}
		conds = append(conds, "branch in ["+strings.Join(quoted, ", ")+"]")
		fields = append(fields, "branch")
	}
	if f.Degree != "" {
		conds = append(conds, "degree == "+celString(strings.ToLower(f.Degree)))
		fields = append(fields, "degree")
	}
	if f.City != "" {
		conds = append(conds, "city == "+celString(strings.ToLower(f.City)))
		fields = append(fields, "city")
	}
	if len(f.Skills) > 0 {
		for _, skill := range lowerSorted(f.Skills) {
			conds = append(conds, "skills.exists(s, s.contains("+celString(skill)+"))")
		}
		fields = append(fields, "skills")
	}
	if len(f.Services) > 0 {
		for _, service := range lowerSorted(f.Services) {
			conds = append(conds, "services.exists(s, s.contains("+celString(service)+"))")
		}
		fields = append(fields, "services")
	}
	switch f.TurnoverTier {
	case extract.TurnoverLow:
		conds = append(conds, "turnover < 1.0")
		fields = append(fields, "turnover")
	case extract.TurnoverMed:
		conds = append(conds, "turnover >= 1.0 && turnover <= 10.0")
		fields = append(fields, "turnover")
	case extract.TurnoverHigh:
		conds = append(conds, "turnover > 10.0")
		fields = append(fields, "turnover")
	}
	if f.Name != "" {
		conds = append(conds, "name.contains("+celString(strings.ToLower(f.Name))+")")
		fields = append(fields, "name")
	}
	if f.Organization != "" {
		conds = append(conds, "organization.contains("+celString(strings.ToLower(f.Organization))+")")
		fields = append(fields, "organization")
	}
	if f.OnlyActive {
		conds = append(conds, "active")
	}
	return strings.Join(conds, " && "), fields
}

// Predicate is one compiled filter. The zero value matches every member.
type Predicate struct {
	expr   string
	prog   cel.Program
	fields []string
}

// Fields returns the canonical names of the fields the predicate constrains.
func (p *Predicate) Fields() []string {
	return p.fields
}

// Expr returns the CEL source, mainly for logging.
func (p *Predicate) Expr() string {
	return p.expr
}

// Matches evaluates the predicate against one member.
func (p *Predicate) Matches(m *store.Member) (bool, error) {
	if p.prog == nil {
		return true, nil
	}
	out, _, err := p.prog.Eval(activation(m))
	if err != nil {
		return false, errors.Wrapf(err, "evaluate filter %q", p.expr)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("filter %q returned %T, want bool", p.expr, out.Value())
	}
	return matched, nil
}

// Compiler turns filter sets into compiled CEL programs, caching them by
// expression fingerprint.
type Compiler struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

// NewCompiler builds the CEL environment the member filter expressions are
// checked against.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("year", cel.IntType),
		cel.Variable("branch", cel.StringType),
		cel.Variable("degree", cel.StringType),
		cel.Variable("city", cel.StringType),
		cel.Variable("skills", cel.ListType(cel.StringType)),
		cel.Variable("services", cel.ListType(cel.StringType)),
		cel.Variable("turnover", cel.DoubleType),
		cel.Variable("name", cel.StringType),
		cel.Variable("organization", cel.StringType),
		cel.Variable("active", cel.BoolType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create filter environment")
	}
	programs, err := lru.New[string, cel.Program](predicateCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create filter program cache")
	}
	return &Compiler{env: env, programs: programs}, nil
}

// Compile returns the predicate for a filter set, reusing a cached program
// when the same expression was compiled before.
func (c *Compiler) Compile(f Filters) (*Predicate, error) {
	expr, fields := f.expression()
	if expr == "" {
		return &Predicate{}, nil
	}
	if prog, ok := c.programs.Get(expr); ok {
		return &Predicate{expr: expr, prog: prog, fields: fields}, nil
	}

	checked, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid filter expression: %s", expr)
	}
	prog, err := c.env.Program(checked)
	if err != nil {
		return nil, errors.Wrapf(err, "compile filter program: %s", expr)
	}
	c.programs.Add(expr, prog)
	return &Predicate{expr: expr, prog: prog, fields: fields}, nil
}

// activation exposes one member to the CEL program. Text values are
// lowercased here and in the expression, so matching is case-insensitive
// without CEL-side function calls.
func activation(m *store.Member) map[string]any {
	return map[string]any{
		"year":         m.GraduationYear,
		"branch":       canonicalBranch(m.Branch),
		"degree":       strings.ToLower(m.Degree),
		"city":         strings.ToLower(m.City),
		"skills":       lowerAll(m.Skills),
		"services":     lowerAll(m.ProductsServices),
		"turnover":     m.TurnoverCrore,
		"name":         strings.ToLower(m.Name),
		"organization": strings.ToLower(m.Organization),
		"active":       m.IsActive,
	}
}

// canonicalBranch lowers a branch value into canonical space. Unrecognized
// values keep their lowercased form, so free-form branches still compare.
func canonicalBranch(s string) string {
	if b, ok := normalize.BranchOf(s); ok {
		return strings.ToLower(b.Canonical)
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// celString renders a Go string as a CEL string literal.
func celString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

func lowerSorted(values []string) []string {
	out := lowerAll(values)
	slices.Sort(out)
	return out
}
