package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/store"
)

// memberFields is the column list shared by every member query.
const memberFields = `id, uid, name, graduation_year, degree, branch, city, organization,
	designation, skills, products_services, turnover_crore, email, phone, is_active, updated_ts`

func scanMember(scan func(dest ...any) error) (*store.Member, error) {
	var member store.Member
	var skillsJSON, servicesJSON []byte
	if err := scan(
		&member.ID,
		&member.UID,
		&member.Name,
		&member.GraduationYear,
		&member.Degree,
		&member.Branch,
		&member.City,
		&member.Organization,
		&member.Designation,
		&skillsJSON,
		&servicesJSON,
		&member.TurnoverCrore,
		&member.Email,
		&member.Phone,
		&member.IsActive,
		&member.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan member")
	}
	if err := json.Unmarshal(skillsJSON, &member.Skills); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal skills")
	}
	if err := json.Unmarshal(servicesJSON, &member.ProductsServices); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal products_services")
	}
	return &member, nil
}

// ListMembers lists members matching the find condition.
//
// Skills and services are stored as JSON arrays in text columns, so term
// filters use substring LIKE matching. Callers that need exact containment
// semantics re-check results in the application layer.
func (d *DB) ListMembers(ctx context.Context, find *store.FindMember) ([]*store.Member, error) {
	where, args := []string{"1 = 1"}, []any{}

	if len(find.IDs) > 0 {
		marks := make([]string, len(find.IDs))
		for i, id := range find.IDs {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, fmt.Sprintf("id IN (%s)", strings.Join(marks, ", ")))
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if len(find.GraduationYears) > 0 {
		marks := make([]string, len(find.GraduationYears))
		for i, year := range find.GraduationYears {
			marks[i] = "?"
			args = append(args, year)
		}
		where = append(where, fmt.Sprintf("graduation_year IN (%s)", strings.Join(marks, ", ")))
	}
	if len(find.Branches) > 0 {
		// Substring match over-approximates so "Mechanical" also lists rows
		// stored as "Mechanical Engineering"; callers re-verify exactly.
		marks := make([]string, len(find.Branches))
		for i, branch := range find.Branches {
			marks[i] = "branch LIKE ? ESCAPE '\\'"
			args = append(args, "%"+escapeLike(strings.ToLower(branch))+"%")
		}
		where = append(where, "("+strings.Join(marks, " OR ")+")")
	}
	if find.Degree != nil {
		where, args = append(where, "LOWER(degree) = LOWER(?)"), append(args, *find.Degree)
	}
	if find.City != nil {
		where, args = append(where, "LOWER(city) = LOWER(?)"), append(args, *find.City)
	}
	for _, skill := range find.Skills {
		where, args = append(where, "skills LIKE ? ESCAPE '\\'"), append(args, "%"+escapeLike(strings.ToLower(skill))+"%")
	}
	if len(find.Services) > 0 {
		marks := make([]string, len(find.Services))
		for i, service := range find.Services {
			marks[i] = "products_services LIKE ? ESCAPE '\\'"
			args = append(args, "%"+escapeLike(strings.ToLower(service))+"%")
		}
		where = append(where, "("+strings.Join(marks, " OR ")+")")
	}
	if find.MinTurnoverCrore != nil {
		where, args = append(where, "turnover_crore >= ?"), append(args, *find.MinTurnoverCrore)
	}
	if find.MaxTurnoverCrore != nil {
		where, args = append(where, "turnover_crore <= ?"), append(args, *find.MaxTurnoverCrore)
	}
	if find.NameLike != nil {
		where, args = append(where, "name LIKE ? ESCAPE '\\'"), append(args, "%"+escapeLike(*find.NameLike)+"%")
	}
	if find.OrganizationLike != nil {
		where, args = append(where, "organization LIKE ? ESCAPE '\\'"), append(args, "%"+escapeLike(*find.OrganizationLike)+"%")
	}
	if find.OnlyActive {
		where = append(where, "is_active = 1")
	}

	query := "SELECT " + memberFields + " FROM member WHERE " + strings.Join(where, " AND ") +
		" ORDER BY updated_ts DESC, id ASC"
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET %d", *find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list members")
	}
	defer rows.Close()

	list := []*store.Member{}
	for rows.Next() {
		member, err := scanMember(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// UpsertMember inserts or updates a member row keyed by its stable UID and
// refreshes the full-text index for it.
func (d *DB) UpsertMember(ctx context.Context, m *store.Member) (*store.Member, error) {
	skillsJSON, err := json.Marshal(m.Skills)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal skills")
	}
	servicesJSON, err := json.Marshal(m.ProductsServices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal products_services")
	}

	stmt := `INSERT INTO member (
			uid, name, graduation_year, degree, branch, city, organization,
			designation, skills, products_services, turnover_crore, email, phone, is_active, updated_ts
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
			name = excluded.name,
			graduation_year = excluded.graduation_year,
			degree = excluded.degree,
			branch = excluded.branch,
			city = excluded.city,
			organization = excluded.organization,
			designation = excluded.designation,
			skills = excluded.skills,
			products_services = excluded.products_services,
			turnover_crore = excluded.turnover_crore,
			email = excluded.email,
			phone = excluded.phone,
			is_active = excluded.is_active,
			updated_ts = excluded.updated_ts
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		m.UID,
		m.Name,
		m.GraduationYear,
		m.Degree,
		m.Branch,
		m.City,
		m.Organization,
		m.Designation,
		string(skillsJSON),
		string(servicesJSON),
		m.TurnoverCrore,
		m.Email,
		m.Phone,
		m.IsActive,
		m.UpdatedTs,
	).Scan(&m.ID); err != nil {
		return nil, errors.Wrap(err, "failed to upsert member")
	}

	if d.ftsAvailable {
		if err := d.refreshMemberFTS(ctx, m); err != nil {
			// Keyword search degrades to the LIKE fallback from here on.
			d.ftsAvailable = false
		}
	}
	return m, nil
}

func (d *DB) refreshMemberFTS(ctx context.Context, m *store.Member) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM member_fts WHERE rowid = ?", m.ID); err != nil {
		return errors.Wrap(err, "failed to clear member fts row")
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO member_fts (rowid, name, organization, skills, products_services) VALUES (?, ?, ?, ?, ?)",
		m.ID,
		m.Name,
		m.Organization,
		strings.Join(m.Skills, " "),
		strings.Join(m.ProductsServices, " "),
	)
	return errors.Wrap(err, "failed to index member fts row")
}

// UpsertMemberEmbedding inserts or updates a member profile vector.
// Vectors are stored as JSON-encoded float32 arrays; similarity is computed
// in the application layer.
func (d *DB) UpsertMemberEmbedding(ctx context.Context, e *store.MemberEmbedding) error {
	vectorJSON, err := json.Marshal(e.Embedding)
	if err != nil {
		return errors.Wrap(err, "failed to marshal embedding vector")
	}
	stmt := `INSERT INTO member_embedding (member_id, model, embedding, updated_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (member_id, model) DO UPDATE SET
			embedding = excluded.embedding,
			updated_ts = excluded.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, e.MemberID, e.Model, string(vectorJSON), e.UpdatedTs); err != nil {
		return errors.Wrap(err, "failed to upsert member embedding")
	}
	return nil
}

// VectorSearch performs similarity search with application-layer cosine
// computation. O(n) over the candidate window; fine for the dev-sized
// directories SQLite is meant for.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
	query := `
		SELECT ` + prefixedMemberFields("m") + `, e.embedding
		FROM member m
		INNER JOIN member_embedding e ON m.id = e.member_id
		WHERE e.model = ?`
	args := []any{d.profile.EmbeddingModel}
	if opts.OnlyActive {
		query += " AND m.is_active = 1"
	}
	query += " ORDER BY m.updated_ts DESC, m.id ASC"

	// Limit candidates for memory-efficient similarity computation.
	candidateLimit := opts.Limit * 5
	if candidateLimit > 500 {
		candidateLimit = 500
	}
	query += " LIMIT ?"
	args = append(args, candidateLimit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to vector search members")
	}
	defer rows.Close()

	results := []*store.MemberWithScore{}
	for rows.Next() {
		var member store.Member
		var skillsJSON, servicesJSON, vectorJSON []byte
		if err := rows.Scan(
			&member.ID,
			&member.UID,
			&member.Name,
			&member.GraduationYear,
			&member.Degree,
			&member.Branch,
			&member.City,
			&member.Organization,
			&member.Designation,
			&skillsJSON,
			&servicesJSON,
			&member.TurnoverCrore,
			&member.Email,
			&member.Phone,
			&member.IsActive,
			&member.UpdatedTs,
			&vectorJSON,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector search result")
		}
		if err := json.Unmarshal(skillsJSON, &member.Skills); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal skills")
		}
		if err := json.Unmarshal(servicesJSON, &member.ProductsServices); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal products_services")
		}
		var embedding []float32
		if err := json.Unmarshal(vectorJSON, &embedding); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal embedding vector")
		}
		results = append(results, &store.MemberWithScore{
			Member: &member,
			Score:  cosineSimilarity(opts.Vector, embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Sort by similarity descending, member ID as the deterministic tie-break.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Member.ID < results[j].Member.ID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct float32
	var normA float32
	var normB float32

	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// KeywordSearch performs full-text search over the member text columns using
// FTS5 when available, else a LIKE fallback. Matched field names are derived
// from the row content so both paths report them the same way.
func (d *DB) KeywordSearch(ctx context.Context, opts *store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
	tokens := store.TokenizeQuery(opts.Query)
	if len(tokens) == 0 {
		return []*store.KeywordMatch{}, nil
	}

	if d.ftsAvailable {
		results, err := d.keywordSearchFTS(ctx, opts, tokens)
		if err == nil {
			return results, nil
		}
		d.ftsAvailable = false
	}
	return d.keywordSearchFallback(ctx, opts, tokens)
}

func (d *DB) keywordSearchFTS(ctx context.Context, opts *store.KeywordSearchOptions, tokens []string) ([]*store.KeywordMatch, error) {
	// bm25() returns lower-is-better values, so negate for a
	// higher-is-better score.
	query := `
		SELECT ` + prefixedMemberFields("m") + `, (-1.0 * bm25(member_fts)) AS score
		FROM member m
		INNER JOIN member_fts ON m.id = member_fts.rowid
		WHERE member_fts MATCH ?`
	args := []any{ftsMatchExpr(tokens)}
	if opts.OnlyActive {
		query += " AND m.is_active = 1"
	}
	query += ` ORDER BY score DESC, m.updated_ts DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to keyword search members")
	}
	defer rows.Close()

	results := []*store.KeywordMatch{}
	for rows.Next() {
		var member store.Member
		var skillsJSON, servicesJSON []byte
		var score float64
		if err := rows.Scan(
			&member.ID,
			&member.UID,
			&member.Name,
			&member.GraduationYear,
			&member.Degree,
			&member.Branch,
			&member.City,
			&member.Organization,
			&member.Designation,
			&skillsJSON,
			&servicesJSON,
			&member.TurnoverCrore,
			&member.Email,
			&member.Phone,
			&member.IsActive,
			&member.UpdatedTs,
			&score,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan keyword search result")
		}
		if err := json.Unmarshal(skillsJSON, &member.Skills); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal skills")
		}
		if err := json.Unmarshal(servicesJSON, &member.ProductsServices); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal products_services")
		}
		fields, _ := store.KeywordFieldHits(&member, tokens)
		results = append(results, &store.KeywordMatch{
			Member:        &member,
			Score:         score,
			MatchedFields: fields,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *DB) keywordSearchFallback(ctx context.Context, opts *store.KeywordSearchOptions, tokens []string) ([]*store.KeywordMatch, error) {
	conds := make([]string, 0, len(tokens))
	args := []any{}
	for _, token := range tokens {
		pattern := "%" + escapeLike(token) + "%"
		conds = append(conds, `(name LIKE ? ESCAPE '\'
			OR organization LIKE ? ESCAPE '\'
			OR skills LIKE ? ESCAPE '\'
			OR products_services LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern, pattern)
	}

	query := "SELECT " + memberFields + " FROM member WHERE (" + strings.Join(conds, " OR ") + ")"
	if opts.OnlyActive {
		query += " AND is_active = 1"
	}
	// Over-fetch so Go-side scoring can reorder before the final cut.
	candidateLimit := opts.Limit * 5
	if candidateLimit > 500 {
		candidateLimit = 500
	}
	query += " ORDER BY updated_ts DESC, id ASC LIMIT ?"
	args = append(args, candidateLimit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to keyword search members (fallback)")
	}
	defer rows.Close()

	results := []*store.KeywordMatch{}
	for rows.Next() {
		member, err := scanMember(rows.Scan)
		if err != nil {
			return nil, err
		}
		fields, hits := store.KeywordFieldHits(member, tokens)
		if len(fields) == 0 {
			continue
		}
		results = append(results, &store.KeywordMatch{
			Member:        member,
			Score:         hits,
			MatchedFields: fields,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Member.ID < results[j].Member.ID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func prefixedMemberFields(alias string) string {
	parts := strings.Split(memberFields, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

// ftsMatchExpr quotes each token so FTS5 operators in user input are treated
// as plain text.
func ftsMatchExpr(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, token := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(token, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func escapeLike(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "%", "\\%"), "_", "\\_")
}
