package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/store"
)

const memberFields = `id, uid, name, graduation_year, degree, branch, city, organization,
	designation, skills, products_services, turnover_crore, email, phone, is_active, updated_ts`

func scanMember(scan func(dest ...any) error) (*store.Member, error) {
	var member store.Member
	var skills, services pq.StringArray
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
		&skills,
		&services,
		&member.TurnoverCrore,
		&member.Email,
		&member.Phone,
		&member.IsActive,
		&member.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan member")
	}
	member.Skills = skills
	member.ProductsServices = services
	return &member, nil
}

// ListMembers lists members matching the find condition.
func (d *DB) ListMembers(ctx context.Context, find *store.FindMember) ([]*store.Member, error) {
	where, args := []string{"1 = 1"}, []any{}

	if len(find.IDs) > 0 {
		where, args = append(where, "id = ANY("+placeholder(len(args)+1)+")"), append(args, pq.Array(find.IDs))
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if len(find.GraduationYears) > 0 {
		years := make([]int64, len(find.GraduationYears))
		for i, year := range find.GraduationYears {
			years[i] = int64(year)
		}
		where, args = append(where, "graduation_year = ANY("+placeholder(len(args)+1)+")"), append(args, pq.Array(years))
	}
	if len(find.Branches) > 0 {
		// Substring match over-approximates so "Mechanical" also lists rows
		// stored as "Mechanical Engineering"; callers re-verify exactly.
		conds := make([]string, len(find.Branches))
		for i, branch := range find.Branches {
			conds[i] = "branch ILIKE " + placeholder(len(args)+1)
			args = append(args, "%"+escapeLike(branch)+"%")
		}
		where = append(where, "("+strings.Join(conds, " OR ")+")")
	}
	if find.Degree != nil {
		where, args = append(where, "LOWER(degree) = LOWER("+placeholder(len(args)+1)+")"), append(args, *find.Degree)
	}
	if find.City != nil {
		where, args = append(where, "LOWER(city) = LOWER("+placeholder(len(args)+1)+")"), append(args, *find.City)
	}
	for _, skill := range find.Skills {
		where = append(where, "EXISTS (SELECT 1 FROM unnest(skills) AS s WHERE s ILIKE "+placeholder(len(args)+1)+")")
		args = append(args, "%"+escapeLike(skill)+"%")
	}
	if len(find.Services) > 0 {
		conds := make([]string, len(find.Services))
		for i, service := range find.Services {
			conds[i] = "EXISTS (SELECT 1 FROM unnest(products_services) AS s WHERE s ILIKE " + placeholder(len(args)+1) + ")"
			args = append(args, "%"+escapeLike(service)+"%")
		}
		where = append(where, "("+strings.Join(conds, " OR ")+")")
	}
	if find.MinTurnoverCrore != nil {
		where, args = append(where, "turnover_crore >= "+placeholder(len(args)+1)), append(args, *find.MinTurnoverCrore)
	}
	if find.MaxTurnoverCrore != nil {
		where, args = append(where, "turnover_crore <= "+placeholder(len(args)+1)), append(args, *find.MaxTurnoverCrore)
	}
	if find.NameLike != nil {
		where, args = append(where, "name ILIKE "+placeholder(len(args)+1)), append(args, "%"+escapeLike(*find.NameLike)+"%")
	}
	if find.OrganizationLike != nil {
		where, args = append(where, "organization ILIKE "+placeholder(len(args)+1)), append(args, "%"+escapeLike(*find.OrganizationLike)+"%")
	}
	if find.OnlyActive {
		where = append(where, "is_active = TRUE")
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

// UpsertMember inserts or updates a member row keyed by its stable UID.
func (d *DB) UpsertMember(ctx context.Context, m *store.Member) (*store.Member, error) {
	stmt := `
		INSERT INTO member (
			uid, name, graduation_year, degree, branch, city, organization,
			designation, skills, products_services, turnover_crore, email, phone, is_active, updated_ts
		)
		VALUES (` + placeholders(15) + `)
		ON CONFLICT (uid)
		DO UPDATE SET
			name = EXCLUDED.name,
			graduation_year = EXCLUDED.graduation_year,
			degree = EXCLUDED.degree,
			branch = EXCLUDED.branch,
			city = EXCLUDED.city,
			organization = EXCLUDED.organization,
			designation = EXCLUDED.designation,
			skills = EXCLUDED.skills,
			products_services = EXCLUDED.products_services,
			turnover_crore = EXCLUDED.turnover_crore,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			is_active = EXCLUDED.is_active,
			updated_ts = EXCLUDED.updated_ts
		RETURNING id
	`
	err := d.db.QueryRowContext(ctx, stmt,
		m.UID,
		m.Name,
		m.GraduationYear,
		m.Degree,
		m.Branch,
		m.City,
		m.Organization,
		m.Designation,
		pq.Array(m.Skills),
		pq.Array(m.ProductsServices),
		m.TurnoverCrore,
		m.Email,
		m.Phone,
		m.IsActive,
		m.UpdatedTs,
	).Scan(&m.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert member")
	}
	return m, nil
}

// UpsertMemberEmbedding inserts or updates a member profile vector.
func (d *DB) UpsertMemberEmbedding(ctx context.Context, e *store.MemberEmbedding) error {
	stmt := `
		INSERT INTO member_embedding (member_id, model, embedding, updated_ts)
		VALUES (` + placeholders(4) + `)
		ON CONFLICT (member_id, model)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			updated_ts = EXCLUDED.updated_ts
	`
	vector := pgvector.NewVector(e.Embedding)
	if _, err := d.db.ExecContext(ctx, stmt, e.MemberID, e.Model, vector, e.UpdatedTs); err != nil {
		return errors.Wrap(err, "failed to upsert member embedding")
	}
	return nil
}

// VectorSearch performs vector similarity search using pgvector.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.MemberWithScore, error) {
	where, args := []string{"e.model = " + placeholder(1)}, []any{d.profile.EmbeddingModel}
	if opts.OnlyActive {
		where = append(where, "m.is_active = TRUE")
	}
	argIdx := len(args) + 1

	// The <=> operator computes cosine distance (1 - cosine_similarity),
	// so order by distance ASC to get most similar first.
	query := `
		SELECT
			` + prefixedMemberFields("m") + `,
			1 - (e.embedding <=> ` + placeholder(argIdx) + `) AS score
		FROM member m
		INNER JOIN member_embedding e ON m.id = e.member_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY e.embedding <=> ` + placeholder(argIdx+1) + `, m.id ASC
		LIMIT ` + placeholder(argIdx+2)

	vector := pgvector.NewVector(opts.Vector)
	args = append(args, vector, vector, opts.Limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to vector search members")
	}
	defer rows.Close()

	results := []*store.MemberWithScore{}
	for rows.Next() {
		var member store.Member
		var skills, services pq.StringArray
		var score float32
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
			&skills,
			&services,
			&member.TurnoverCrore,
			&member.Email,
			&member.Phone,
			&member.IsActive,
			&member.UpdatedTs,
			&score,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector search result")
		}
		member.Skills = skills
		member.ProductsServices = services
		results = append(results, &store.MemberWithScore{Member: &member, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// KeywordSearch matches query tokens against the designated text columns with
// ILIKE and ranks rows by (token, column) hit count in the application layer.
func (d *DB) KeywordSearch(ctx context.Context, opts *store.KeywordSearchOptions) ([]*store.KeywordMatch, error) {
	tokens := store.TokenizeQuery(opts.Query)
	if len(tokens) == 0 {
		return []*store.KeywordMatch{}, nil
	}

	conds, args := []string{}, []any{}
	for _, token := range tokens {
		pattern := "%" + escapeLike(token) + "%"
		base := len(args)
		conds = append(conds, "(name ILIKE "+placeholder(base+1)+
			" OR organization ILIKE "+placeholder(base+2)+
			" OR array_to_string(skills, ' ') ILIKE "+placeholder(base+3)+
			" OR array_to_string(products_services, ' ') ILIKE "+placeholder(base+4)+")")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	query := "SELECT " + memberFields + " FROM member WHERE (" + strings.Join(conds, " OR ") + ")"
	if opts.OnlyActive {
		query += " AND is_active = TRUE"
	}
	// Over-fetch so application-layer scoring can reorder before the final cut.
	candidateLimit := opts.Limit * 5
	if candidateLimit > 500 {
		candidateLimit = 500
	}
	query += " ORDER BY updated_ts DESC, id ASC LIMIT " + placeholder(len(args)+1)
	args = append(args, candidateLimit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to keyword search members")
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

func escapeLike(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "%", "\\%"), "_", "\\_")
}
