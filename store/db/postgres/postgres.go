package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/sangamhq/sangam/internal/profile"
	"github.com/sangamhq/sangam/internal/version"
	"github.com/sangamhq/sangam/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL database using the DSN from the profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	driver := DB{db: db, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the member projection tables. The embedding column
// dimension is fixed at migration time from the profile; changing the
// embedding model to a different dimension requires re-ingesting vectors.
func (d *DB) Migrate(ctx context.Context) error {
	dimensions := d.profile.EmbeddingDimensions

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS member (
			id SERIAL PRIMARY KEY,
			uid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			graduation_year INTEGER NOT NULL DEFAULT 0,
			degree TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			organization TEXT NOT NULL DEFAULT '',
			designation TEXT NOT NULL DEFAULT '',
			skills TEXT[] NOT NULL DEFAULT '{}',
			products_services TEXT[] NOT NULL DEFAULT '{}',
			turnover_crore DOUBLE PRECISION NOT NULL DEFAULT 0,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_member_graduation_year ON member (graduation_year)`,
		`CREATE INDEX IF NOT EXISTS idx_member_city ON member (LOWER(city))`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS member_embedding (
			member_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			updated_ts BIGINT NOT NULL DEFAULT 0,
			UNIQUE (member_id, model)
		)`, dimensions),
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate member schema")
		}
	}
	return d.createVectorIndex(ctx)
}

// createVectorIndex builds the ANN index for cosine search. HNSW needs
// pgvector 0.5.0 or newer; older installs get IVFFlat instead.
func (d *DB) createVectorIndex(ctx context.Context) error {
	var extVersion string
	err := d.db.QueryRowContext(ctx,
		"SELECT extversion FROM pg_extension WHERE extname = 'vector'",
	).Scan(&extVersion)
	if err != nil {
		return errors.Wrap(err, "failed to read pgvector version")
	}

	stmt := `CREATE INDEX IF NOT EXISTS idx_member_embedding_ivfflat
		ON member_embedding USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`
	if version.IsVersionGreaterOrEqualThan(extVersion, "0.5.0") {
		stmt = `CREATE INDEX IF NOT EXISTS idx_member_embedding_hnsw
			ON member_embedding USING hnsw (embedding vector_cosine_ops)`
	}
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "failed to create vector index")
	}
	return nil
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'member')",
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

// placeholder returns the numbered PostgreSQL parameter for 1-based index n.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := []string{}
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}
