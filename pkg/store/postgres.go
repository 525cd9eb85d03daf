package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the alternate adapter for deployments that already run a
// Postgres instance. The append path, the invariants, and the single-writer
// discipline are identical to the embedded adapter; only the DDL differs.
type PostgresStore struct {
	sqlStore
}

// OpenPostgres connects with the given DSN and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &PostgresStore{sqlStore: sqlStore{db: db}}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_states (
	sequence        BIGINT PRIMARY KEY,
	trace_id        TEXT NOT NULL,
	state           TEXT NOT NULL,
	capability_hash BYTEA NOT NULL,
	input_hash      BYTEA,
	output_hash     BYTEA,
	prev_hash       BYTEA NOT NULL,
	record_hash     BYTEA NOT NULL,
	created_at      BIGINT NOT NULL,
	reason          TEXT
);

CREATE INDEX IF NOT EXISTS idx_trace_sequence ON execution_states (trace_id, sequence DESC);
CREATE INDEX IF NOT EXISTS idx_state ON execution_states (state);

CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	capability_hash BYTEA NOT NULL,
	trace_id        TEXT NOT NULL,
	expires_at      BIGINT NOT NULL,
	created_at      BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_capability ON sessions (capability_hash);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return ensureVersion(ctx, s.db)
}
