// Package store implements the durable, append-only persistence layer for
// execution records and session bindings.
//
// The reference adapter is a single-file embedded SQLite database with
// write-ahead logging; a Postgres adapter exists for deployments that carry
// an external database. Both enforce the same sequence and hash-link
// invariants inside the append transaction, so a record is durable exactly
// when Append returns nil.
package store

import (
	"context"
	"errors"

	"github.com/talos-foundation/tga/pkg/contracts"
)

var (
	// ErrSequenceConflict means the appended record's sequence is not
	// exactly tail+1.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrHashLinkMismatch means the appended record's prev_hash does not
	// equal the tail record's record_hash.
	ErrHashLinkMismatch = errors.New("hash link mismatch")

	// ErrNotOwned means the database file is not owned by this process's
	// user, or its permissions could not be restricted. Startup must fail.
	ErrNotOwned = errors.New("state store file ownership violation")
)

// StateStore is the contract between the state machine and persistence.
type StateStore interface {
	// Append atomically persists one record. The record must extend the
	// current tail: Append fails with ErrSequenceConflict or
	// ErrHashLinkMismatch otherwise. Durable before returning.
	Append(ctx context.Context, r contracts.ExecutionRecord) error

	// LoadAll returns every record in ascending sequence order. Recovery
	// only; the serving path never reads the whole log.
	LoadAll(ctx context.Context) ([]contracts.ExecutionRecord, error)

	// Tail returns the last record, or ok=false for an empty log.
	Tail(ctx context.Context) (r contracts.ExecutionRecord, ok bool, err error)

	// TracesInState returns the trace ids whose latest record is in state.
	TracesInState(ctx context.Context, state contracts.State) ([]string, error)

	// CapabilityAuthorized reports whether any AUTHORIZED record carries
	// this capability hash. Backs one-shot replay detection.
	CapabilityAuthorized(ctx context.Context, h contracts.Hash) (bool, error)

	// PutSession persists a session binding.
	PutSession(ctx context.Context, s contracts.SessionBinding) error

	// SessionForCapability returns the binding with the latest expiry for a
	// capability hash, or ok=false if none survives.
	SessionForCapability(ctx context.Context, h contracts.Hash) (s contracts.SessionBinding, ok bool, err error)

	// DeleteExpiredSessions removes bindings whose expiry precedes now
	// (unix seconds) and returns how many were removed.
	DeleteExpiredSessions(ctx context.Context, now int64) (int64, error)

	Close() error
}
