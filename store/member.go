package store

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Member is the read-only projection of one directory member. Rows are
// produced by the external ingestion service; the query pipeline only reads
// them.
type Member struct {
	ID               int32
	UID              string
	Name             string
	GraduationYear   int
	Degree           string
	Branch           string
	City             string
	Organization     string
	Designation      string
	Skills           []string
	ProductsServices []string
	// TurnoverCrore is annual turnover in crores of rupees. Zero when the
	// member never declared one.
	TurnoverCrore float64
	Email         string
	Phone         string
	IsActive      bool
	UpdatedTs     int64
}

// FindMember is the find condition for member listing. Nil and empty fields
// are not filtered on.
type FindMember struct {
	IDs             []int32
	UID             *string
	GraduationYears []int
	// Branches matches the branch column against any listed form (canonical
	// name or short tag).
	Branches []string
	Degree   *string
	City     *string
	// Skills and Services match members carrying any of the listed terms.
	Skills   []string
	Services []string

	MinTurnoverCrore *float64
	MaxTurnoverCrore *float64

	NameLike         *string
	OrganizationLike *string

	OnlyActive bool

	Limit  *int
	Offset *int
}

// MemberEmbedding is the profile vector for one member, produced out-of-band
// by the ingestion service.
type MemberEmbedding struct {
	MemberID  int32
	Model     string
	Embedding []float32
	UpdatedTs int64
}

// MemberWithScore is a vector search hit.
type MemberWithScore struct {
	Member *Member
	// Score is cosine similarity in [0,1], higher is more similar.
	Score float32
}

// KeywordMatch is a keyword search hit over the designated text columns.
type KeywordMatch struct {
	Member *Member
	Score  float64
	// MatchedFields lists the canonical column names the query tokens hit:
	// name, organization, skills, services.
	MatchedFields []string
}

// VectorSearchOptions holds the parameters for member vector search.
type VectorSearchOptions struct {
	Vector     []float32
	Limit      int
	OnlyActive bool
}

// Validate checks the options and applies the default limit.
func (o *VectorSearchOptions) Validate() error {
	if len(o.Vector) == 0 {
		return errors.New("vector cannot be empty")
	}
	if o.Limit < 0 {
		return errors.Errorf("limit cannot be negative: %d", o.Limit)
	}
	if o.Limit == 0 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		return errors.Errorf("limit too large (max 1000): %d", o.Limit)
	}
	return nil
}

// KeywordSearchOptions holds the parameters for member keyword search.
type KeywordSearchOptions struct {
	Query      string
	Limit      int
	OnlyActive bool
}

// Validate checks the options and applies the default limit.
func (o *KeywordSearchOptions) Validate() error {
	if o.Query == "" {
		return errors.New("query cannot be empty")
	}
	if o.Limit < 0 {
		return errors.Errorf("limit cannot be negative: %d", o.Limit)
	}
	if o.Limit == 0 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		return errors.Errorf("limit too large (max 1000): %d", o.Limit)
	}
	return nil
}

// TokenizeQuery lowercases and splits a keyword query into match tokens.
func TokenizeQuery(query string) []string {
	tokens := []string{}
	for _, field := range strings.Fields(strings.ToLower(query)) {
		if len(field) > 0 {
			tokens = append(tokens, field)
		}
	}
	return tokens
}

// KeywordFieldHits reports which designated text columns any token hit, in a
// fixed order, plus the total (token, column) hit count. Drivers without a
// native ranking function use the hit count as the match score.
func KeywordFieldHits(m *Member, tokens []string) ([]string, float64) {
	columns := []struct {
		name string
		text string
	}{
		{"name", strings.ToLower(m.Name)},
		{"organization", strings.ToLower(m.Organization)},
		{"skills", strings.ToLower(strings.Join(m.Skills, " "))},
		{"services", strings.ToLower(strings.Join(m.ProductsServices, " "))},
	}

	fields := []string{}
	hits := 0.0
	for _, column := range columns {
		matched := false
		for _, token := range tokens {
			if strings.Contains(column.text, token) {
				matched = true
				hits++
			}
		}
		if matched {
			fields = append(fields, column.name)
		}
	}
	return fields, hits
}

// ListMembers lists members matching the find condition.
func (s *Store) ListMembers(ctx context.Context, find *FindMember) ([]*Member, error) {
	return s.driver.ListMembers(ctx, find)
}

// GetMemberByUID returns a single member by its stable external identifier.
func (s *Store) GetMemberByUID(ctx context.Context, uid string) (*Member, error) {
	list, err := s.driver.ListMembers(ctx, &FindMember{UID: &uid})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpsertMember inserts or updates a member row. Production rows arrive
// through the external ingestion service; this exists for dev seeding and
// test fixtures. An empty UID gets a generated one.
func (s *Store) UpsertMember(ctx context.Context, m *Member) (*Member, error) {
	if m.UID == "" {
		m.UID = uuid.NewString()
	}
	return s.driver.UpsertMember(ctx, m)
}

// UpsertMemberEmbedding inserts or updates a member profile vector. Like
// UpsertMember, for dev seeding and test fixtures only.
func (s *Store) UpsertMemberEmbedding(ctx context.Context, e *MemberEmbedding) error {
	return s.driver.UpsertMemberEmbedding(ctx, e)
}

// VectorSearch returns the top-K members by cosine similarity over the
// profile embedding column.
func (s *Store) VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*MemberWithScore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return s.driver.VectorSearch(ctx, opts)
}

// KeywordSearch returns members whose designated text columns match the
// query tokens, best match first.
func (s *Store) KeywordSearch(ctx context.Context, opts *KeywordSearchOptions) ([]*KeywordMatch, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return s.driver.KeywordSearch(ctx, opts)
}
