package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"syscall"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the reference embedded adapter: one file, WAL journaling,
// owner-only permissions, a single writer connection.
type SQLiteStore struct {
	sqlStore
	path string
}

// OpenSQLite opens (creating if absent) the state database at path.
//
// The file is forced to mode 0600 and must be owned by the current user;
// anything else fails with ErrNotOwned before a single row is read. The
// connection pool is pinned to one connection so the WAL writer discipline
// is enforced at the driver level, not just by convention.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := enforceOwnership(path); err != nil {
		return nil, err
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{sqlStore: sqlStore{db: db}, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// enforceOwnership creates the file if needed, restricts it to 0600, and
// verifies the current user owns it.
func enforceOwnership(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("store: stat %s: %w", path, err)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != os.Getuid() {
			return fmt.Errorf("%w: %s owned by uid %d, process uid %d",
				ErrNotOwned, path, stat.Uid, os.Getuid())
		}
	}
	if info.Mode().Perm() != 0o600 {
		if err := f.Chmod(0o600); err != nil {
			return fmt.Errorf("%w: chmod %s: %v", ErrNotOwned, path, err)
		}
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_states (
	sequence        INTEGER PRIMARY KEY,
	trace_id        TEXT NOT NULL,
	state           TEXT NOT NULL,
	capability_hash BLOB NOT NULL,
	input_hash      BLOB,
	output_hash     BLOB,
	prev_hash       BLOB NOT NULL,
	record_hash     BLOB NOT NULL,
	created_at      INTEGER NOT NULL,
	reason          TEXT
);

CREATE INDEX IF NOT EXISTS idx_trace_sequence ON execution_states (trace_id, sequence DESC);
CREATE INDEX IF NOT EXISTS idx_state ON execution_states (state);

CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	capability_hash BLOB NOT NULL,
	trace_id        TEXT NOT NULL,
	expires_at      INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_capability ON sessions (capability_hash);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return ensureVersion(ctx, s.db)
}

// ensureVersion maintains the single schema_version row.
func ensureVersion(ctx context.Context, db *sql.DB) error {
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
			return fmt.Errorf("store: write schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: read schema version: %w", err)
	case v > schemaVersion:
		return fmt.Errorf("store: database schema version %d is newer than supported %d", v, schemaVersion)
	default:
		return nil
	}
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }
