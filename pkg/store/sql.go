package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/talos-foundation/tga/pkg/contracts"
)

// schemaVersion is bumped on any migration to the persisted layout.
const schemaVersion = 1

// sqlStore implements StateStore on database/sql. SQLite and Postgres both
// accept the $N placeholder style, so the statements are shared and only
// the DDL differs per adapter.
type sqlStore struct {
	db *sql.DB
}

func (s *sqlStore) Append(ctx context.Context, r contracts.ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tailSeq  uint64
		tailHash []byte
	)
	row := tx.QueryRowContext(ctx,
		`SELECT sequence, record_hash FROM execution_states ORDER BY sequence DESC LIMIT 1`)
	switch err := row.Scan(&tailSeq, &tailHash); {
	case errors.Is(err, sql.ErrNoRows):
		if r.Sequence != 1 {
			return fmt.Errorf("%w: expected 1, got %d", ErrSequenceConflict, r.Sequence)
		}
		if !r.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis prev_hash must be the zero digest", ErrHashLinkMismatch)
		}
	case err != nil:
		return fmt.Errorf("store: read tail: %w", err)
	default:
		if r.Sequence != tailSeq+1 {
			return fmt.Errorf("%w: expected %d, got %d", ErrSequenceConflict, tailSeq+1, r.Sequence)
		}
		if r.PrevHash.Base64() != hashB64(tailHash) {
			return fmt.Errorf("%w: prev_hash does not match tail record_hash", ErrHashLinkMismatch)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_states (
			sequence, trace_id, state, capability_hash, input_hash,
			output_hash, prev_hash, record_hash, created_at, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(r.Sequence), r.TraceID, string(r.State),
		r.CapabilityHash[:], hashPtrBytes(r.InputHash), hashPtrBytes(r.OutputHash),
		r.PrevHash[:], r.RecordHash[:], r.CreatedAt, nullString(r.Reason),
	)
	if err != nil {
		return fmt.Errorf("store: insert record %d: %w", r.Sequence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit record %d: %w", r.Sequence, err)
	}
	return nil
}

const recordColumns = `sequence, trace_id, state, capability_hash, input_hash,
	output_hash, prev_hash, record_hash, created_at, reason`

func (s *sqlStore) LoadAll(ctx context.Context) ([]contracts.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM execution_states ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]contracts.ExecutionRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	return records, nil
}

func (s *sqlStore) Tail(ctx context.Context) (contracts.ExecutionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM execution_states ORDER BY sequence DESC LIMIT 1`)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ExecutionRecord{}, false, nil
	}
	if err != nil {
		return contracts.ExecutionRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqlStore) TracesInState(ctx context.Context, state contracts.State) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id FROM execution_states es
		WHERE sequence = (
			SELECT MAX(sequence) FROM execution_states WHERE trace_id = es.trace_id
		) AND state = $1
		ORDER BY sequence ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("store: traces in state %s: %w", state, err)
	}
	defer func() { _ = rows.Close() }()

	traces := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: traces in state %s: %w", state, err)
		}
		traces = append(traces, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: traces in state %s: %w", state, err)
	}
	return traces, nil
}

func (s *sqlStore) CapabilityAuthorized(ctx context.Context, h contracts.Hash) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execution_states
		WHERE capability_hash = $1 AND state = $2`,
		h[:], string(contracts.StateAuthorized),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: capability lookup: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) PutSession(ctx context.Context, b contracts.SessionBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, capability_hash, trace_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		b.SessionID, b.CapabilityHash[:], b.TraceID, b.ExpiresAt, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	return nil
}

func (s *sqlStore) SessionForCapability(ctx context.Context, h contracts.Hash) (contracts.SessionBinding, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, capability_hash, trace_id, expires_at, created_at
		FROM sessions WHERE capability_hash = $1
		ORDER BY expires_at DESC LIMIT 1`, h[:])

	var (
		b       contracts.SessionBinding
		capHash []byte
	)
	err := row.Scan(&b.SessionID, &capHash, &b.TraceID, &b.ExpiresAt, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.SessionBinding{}, false, nil
	}
	if err != nil {
		return contracts.SessionBinding{}, false, fmt.Errorf("store: session lookup: %w", err)
	}
	copy(b.CapabilityHash[:], capHash)
	return b, true, nil
}

func (s *sqlStore) DeleteExpiredSessions(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	return n, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (contracts.ExecutionRecord, error) {
	var (
		r          contracts.ExecutionRecord
		seq        int64
		state      string
		capHash    []byte
		inputHash  []byte
		outputHash []byte
		prevHash   []byte
		recordHash []byte
		reason     sql.NullString
	)
	err := row.Scan(&seq, &r.TraceID, &state, &capHash, &inputHash,
		&outputHash, &prevHash, &recordHash, &r.CreatedAt, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("store: scan record: %w", err)
	}
	r.Sequence = uint64(seq)
	r.State = contracts.State(state)
	copy(r.CapabilityHash[:], capHash)
	copy(r.PrevHash[:], prevHash)
	copy(r.RecordHash[:], recordHash)
	r.InputHash = hashFromBytes(inputHash)
	r.OutputHash = hashFromBytes(outputHash)
	if reason.Valid {
		r.Reason = reason.String
	}
	return r, nil
}

func hashFromBytes(b []byte) *contracts.Hash {
	if len(b) != contracts.HashSize {
		return nil
	}
	var h contracts.Hash
	copy(h[:], b)
	return &h
}

func hashPtrBytes(h *contracts.Hash) []byte {
	if h == nil {
		return nil
	}
	return h[:]
}

func hashB64(b []byte) string {
	h := hashFromBytes(b)
	if h == nil {
		return ""
	}
	return h.Base64()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
