package sqlite

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/sangamhq/sangam/internal/profile"
	"github.com/sangamhq/sangam/store"
)

// ============================================================================
// SQLITE SUPPORT POLICY
// ============================================================================
// SQLite is supported on a BEST-EFFORT basis for development and testing only.
//
// Supported Features (High ROI):
// - Member listing with filters
// - Keyword search via FTS5 with a LIKE fallback
// - Vector search computed in-process over stored embeddings
//
// NOT Supported (Low ROI / High Complexity):
// - Concurrent writes (SQLite limitation)
// - Native vector indexes (use PostgreSQL + pgvector in production)
// - Large directories: in-process cosine scans every embedding row
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile

	// ftsAvailable flips to false after the first FTS5 failure so later
	// searches go straight to the LIKE fallback.
	ftsAvailable bool
}

// NewDB opens a database specified by its database driver name and a
// driver-specific data source name, usually consisting of at least a
// database name and connection information.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - No shared-cache: it's obsolete; WAL journal mode is a better solution.
	// - No foreign key constraints: it's currently disabled by default, but it's a
	// good practice to be explicit and prevent future surprises on SQLite upgrades.
	// - Journal mode set to WAL: it's the recommended journal mode for most applications
	// as it prevents locking issues.
	//
	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	//
	// References:
	// - https://pkg.go.dev/modernc.org/sqlite#Driver.Open
	// - https://www.sqlite.org/sharedcache.html
	// - https://www.sqlite.org/pragma.html
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// Configure connection pool for single-user SQLite with WAL mode
	// SQLite handles concurrency differently; these settings optimize for local usage
	sqliteDB.SetMaxOpenConns(1)    // SQLite: single connection is optimal with WAL
	sqliteDB.SetMaxIdleConns(1)    // Keep the single connection ready
	sqliteDB.SetConnMaxLifetime(0) // No lifetime limit (local file, no network)
	sqliteDB.SetConnMaxIdleTime(0) // No idle timeout (personal use, always ready)

	driver := DB{db: sqliteDB, profile: profile, ftsAvailable: true}

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

// Migrate creates the member projection tables. The projection is normally
// filled by the external ingestion service; in dev and tests it is seeded
// through UpsertMember.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS member (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			graduation_year INTEGER NOT NULL DEFAULT 0,
			degree TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			organization TEXT NOT NULL DEFAULT '',
			designation TEXT NOT NULL DEFAULT '',
			skills TEXT NOT NULL DEFAULT '[]',
			products_services TEXT NOT NULL DEFAULT '[]',
			turnover_crore REAL NOT NULL DEFAULT 0,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			updated_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_member_graduation_year ON member (graduation_year)`,
		`CREATE INDEX IF NOT EXISTS idx_member_city ON member (city)`,
		`CREATE TABLE IF NOT EXISTS member_embedding (
			member_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			embedding TEXT NOT NULL,
			updated_ts BIGINT NOT NULL DEFAULT 0,
			UNIQUE(member_id, model)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate member schema")
		}
	}

	// FTS5 may be absent from some builds. Keyword search falls back to LIKE,
	// so a failure here only costs ranking quality. The index stores its own
	// copy of the text columns; UpsertMember keeps it in sync.
	ftsStmt := `CREATE VIRTUAL TABLE IF NOT EXISTS member_fts USING fts5(
		name, organization, skills, products_services
	)`
	if _, err := d.db.ExecContext(ctx, ftsStmt); err != nil {
		slog.Warn("fts5 unavailable, keyword search will use LIKE fallback", "error", err)
		d.ftsAvailable = false
	}
	return nil
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	// Check if the database is initialized by checking if the member table exists.
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='member')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}
