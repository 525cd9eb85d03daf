// Package runtime drives each tool call through the execution state
// machine, persisting every transition to the hash-chained log.
//
// The machine is a Moore machine over
// PENDING → AUTHORIZED → EXECUTING → COMPLETED / REJECTED / FAILED.
// A transition is durable exactly when its record append succeeds; an
// in-flight append is never cancelled, cancellation only affects the
// caller's view.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/talos-foundation/tga/pkg/audit"
	"github.com/talos-foundation/tga/pkg/canonicalize"
	"github.com/talos-foundation/tga/pkg/capability"
	"github.com/talos-foundation/tga/pkg/contracts"
	"github.com/talos-foundation/tga/pkg/hashchain"
	"github.com/talos-foundation/tga/pkg/session"
	"github.com/talos-foundation/tga/pkg/store"
)

// Observer receives timing for every public state machine operation.
// Implemented by the observability provider; nil disables instrumentation.
type Observer interface {
	Observe(ctx context.Context, op string, start time.Time, err error)
}

// traceInfo is the in-memory latest-state index entry for one trace.
type traceInfo struct {
	state          contracts.State
	capabilityHash contracts.Hash
	inputHash      *contracts.Hash
	expiresAt      int64 // unix seconds; 0 when unknown
}

// Runtime is the execution state machine over one durable log.
type Runtime struct {
	store    store.StateStore
	verifier *capability.Verifier
	sessions *session.Cache
	locks    *lockTable
	auditor  audit.Logger
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time

	// appendMu serializes tail reads and appends: the store is a
	// single-writer resource and sequence numbers admit no races.
	appendMu      sync.Mutex
	headSeq       uint64
	headHash      contracts.Hash
	lastCreatedAt int64

	mu        sync.Mutex
	traces    map[string]*traceInfo
	recovered bool
}

// New assembles a runtime. Recover must run before the first transition.
func New(st store.StateStore, verifier *capability.Verifier, sessions *session.Cache, auditor audit.Logger) *Runtime {
	if auditor == nil {
		auditor = audit.Nop()
	}
	return &Runtime{
		store:    st,
		verifier: verifier,
		sessions: sessions,
		locks:    newLockTable(),
		auditor:  auditor,
		logger:   slog.Default().With("component", "runtime"),
		clock:    time.Now,
		traces:   make(map[string]*traceInfo),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Runtime) WithClock(clock func() time.Time) *Runtime {
	r.clock = clock
	return r
}

// WithObserver attaches transition instrumentation.
func (r *Runtime) WithObserver(o Observer) *Runtime {
	r.observer = o
	return r
}

// Sessions exposes the session cache (key rotation flushes it).
func (r *Runtime) Sessions() *session.Cache { return r.sessions }

// AuthorizeResult is returned to the caller on a successful AUTHORIZED
// transition.
type AuthorizeResult struct {
	SessionID  string
	Record     contracts.ExecutionRecord
	Capability *capability.Verified
}

// Authorize validates the capability token against the request and drives
// the trace PENDING → AUTHORIZED, or PENDING → REJECTED when the capability
// is refused. A new trace gets its PENDING record first in both outcomes.
// TRACE_BUSY, ALREADY_TERMINAL, and commit failures append no REJECTED record.
func (r *Runtime) Authorize(ctx context.Context, traceID string, token []byte, req capability.Request) (res *AuthorizeResult, err error) {
	start := r.clock()
	defer func() { r.observe(ctx, "authorize", start, err) }()

	return r.runAuthorize(ctx, traceID, req, func() (*capability.Verified, *contracts.Rejection) {
		return r.verifier.Verify(ctx, token, req)
	})
}

// AuthorizeSession is the warm path: a prior AUTHORIZED transition cached
// the verified capability under a session handle, and repeat calls within
// that authorization skip signature verification. Constraints, tool match,
// and the temporal window are still evaluated against this request, and the
// transition is persisted exactly like a cold authorization.
func (r *Runtime) AuthorizeSession(ctx context.Context, sessionID, traceID string, req capability.Request) (res *AuthorizeResult, err error) {
	start := r.clock()
	defer func() { r.observe(ctx, "authorize_session", start, err) }()

	entry, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, contracts.Reject(contracts.CodeMissingCredentials, "",
			"session %s unknown or expired", sessionID)
	}
	return r.runAuthorize(ctx, traceID, req, func() (*capability.Verified, *contracts.Rejection) {
		return r.verifier.Refresh(entry.Capability, req)
	})
}

func (r *Runtime) runAuthorize(ctx context.Context, traceID string, req capability.Request, verify func() (*capability.Verified, *contracts.Rejection)) (*AuthorizeResult, error) {
	if err := r.ensureRecovered(); err != nil {
		return nil, err
	}
	if !r.locks.TryAcquire(traceID) {
		return nil, contracts.Reject(contracts.CodeTraceBusy, "",
			"trace %s has a transition in flight", traceID)
	}
	defer r.locks.Release(traceID)

	info := r.lookupTrace(traceID)
	switch {
	case info != nil && info.state.Terminal():
		return nil, contracts.Reject(contracts.CodeAlreadyTerminal, "",
			"trace %s is %s", traceID, info.state)
	case info != nil && info.state != contracts.StatePending:
		// Another authorization already advanced this trace; to the
		// caller that is indistinguishable from a transition in flight.
		return nil, contracts.Reject(contracts.CodeTraceBusy, "",
			"trace %s is already %s", traceID, info.state)
	case info == nil:
		if _, rej := r.commit(ctx, func(now int64) (contracts.ExecutionRecord, *contracts.Rejection) {
			return contracts.ExecutionRecord{
				TraceID: traceID,
				State:   contracts.StatePending,
			}, nil
		}); rej != nil {
			return nil, rej
		}
	}

	verified, rej := verify()
	if rej != nil {
		return nil, r.reject(ctx, traceID, rej)
	}

	record, rej := r.commit(ctx, func(now int64) (contracts.ExecutionRecord, *contracts.Rejection) {
		// Re-check under the writer lock: the wait may have crossed
		// expires_at, and a one-shot capability may have been consumed
		// by a concurrent trace since verification.
		if now/int64(time.Second) >= verified.Payload.ExpiresAt {
			return contracts.ExecutionRecord{}, contracts.Reject(contracts.CodeExpired, "",
				"capability expired while awaiting the log writer")
		}
		if verified.Constraints.OneShot {
			used, err := r.store.CapabilityAuthorized(ctx, verified.CapabilityHash)
			if err != nil {
				return contracts.ExecutionRecord{}, commitFailed(err)
			}
			if used {
				return contracts.ExecutionRecord{}, contracts.Reject(contracts.CodeReplay, "",
					"one-shot capability %s already authorized", verified.Payload.CapabilityID)
			}
		}
		input := verified.InputHash
		return contracts.ExecutionRecord{
			TraceID:        traceID,
			State:          contracts.StateAuthorized,
			CapabilityHash: verified.CapabilityHash,
			InputHash:      &input,
		}, nil
	})
	if rej != nil {
		return nil, r.reject(ctx, traceID, rej)
	}
	r.setExpiry(traceID, verified.Payload.ExpiresAt)

	sessionID, err := session.NewSessionID()
	if err != nil {
		return nil, commitFailed(err)
	}
	binding := contracts.SessionBinding{
		SessionID:      sessionID,
		CapabilityHash: verified.CapabilityHash,
		TraceID:        traceID,
		ExpiresAt:      verified.Payload.ExpiresAt,
		CreatedAt:      r.clock().Unix(),
	}
	if err := r.store.PutSession(context.WithoutCancel(ctx), binding); err != nil {
		// Recovery treats a missing binding as expired, which fails
		// closed; the live path continues on the in-memory cache.
		r.logger.Warn("session binding not persisted", "trace_id", traceID, "error", err)
	}
	r.sessions.Put(sessionID, traceID, verified)

	return &AuthorizeResult{
		SessionID:  sessionID,
		Record:     record,
		Capability: verified,
	}, nil
}

// reject appends the REJECTED record for a failed authorization and hands
// the original rejection back to the caller. TRACE_BUSY, ALREADY_TERMINAL,
// and commit failures touch nothing.
func (r *Runtime) reject(ctx context.Context, traceID string, rej *contracts.Rejection) error {
	switch rej.Code {
	case contracts.CodeTraceBusy, contracts.CodeAlreadyTerminal, contracts.CodeStateCommitFailed:
		return rej
	}
	if _, commitRej := r.commit(ctx, func(now int64) (contracts.ExecutionRecord, *contracts.Rejection) {
		return contracts.ExecutionRecord{
			TraceID: traceID,
			State:   contracts.StateRejected,
			Reason:  rej.ReasonCode(),
		}, nil
	}); commitRej != nil {
		return commitRej
	}
	r.auditor.Record(ctx, audit.Event{
		Type:    audit.EventRejection,
		TraceID: traceID,
		State:   string(contracts.StateRejected),
		Reason:  rej.ReasonCode(),
	})
	return rej
}

// Dispatch moves an AUTHORIZED trace to EXECUTING. The per-trace lock is
// the gate: a concurrent transition yields TRACE_BUSY.
func (r *Runtime) Dispatch(ctx context.Context, traceID string) (rec contracts.ExecutionRecord, err error) {
	start := r.clock()
	defer func() { r.observe(ctx, "dispatch", start, err) }()

	if err := r.ensureRecovered(); err != nil {
		return contracts.ExecutionRecord{}, err
	}
	if !r.locks.TryAcquire(traceID) {
		return contracts.ExecutionRecord{}, contracts.Reject(contracts.CodeTraceBusy, "",
			"trace %s has a transition in flight", traceID)
	}
	defer r.locks.Release(traceID)

	info := r.lookupTrace(traceID)
	if info == nil {
		return contracts.ExecutionRecord{}, ErrUnknownTrace
	}
	if info.state.Terminal() {
		return contracts.ExecutionRecord{}, contracts.Reject(contracts.CodeAlreadyTerminal, "",
			"trace %s is %s", traceID, info.state)
	}
	if info.state != contracts.StateAuthorized {
		return contracts.ExecutionRecord{}, ErrInvalidEvent
	}

	capHash, inputHash, expiresAt := info.capabilityHash, info.inputHash, info.expiresAt
	record, rej := r.commit(ctx, func(now int64) (contracts.ExecutionRecord, *contracts.Rejection) {
		if expiresAt > 0 && now/int64(time.Second) >= expiresAt {
			return contracts.ExecutionRecord{}, contracts.Reject(contracts.CodeExpired, "",
				"capability expired before dispatch")
		}
		return contracts.ExecutionRecord{
			TraceID:        traceID,
			State:          contracts.StateExecuting,
			CapabilityHash: capHash,
			InputHash:      inputHash,
		}, nil
	})
	if rej != nil {
		if rej.Code == contracts.CodeExpired {
			return contracts.ExecutionRecord{}, r.failExpired(ctx, traceID, capHash, inputHash, rej)
		}
		return contracts.ExecutionRecord{}, rej
	}
	return record, nil
}

// failExpired closes an AUTHORIZED trace whose capability lapsed before
// dispatch, then surfaces EXPIRED.
func (r *Runtime) failExpired(ctx context.Context, traceID string, capHash contracts.Hash, inputHash *contracts.Hash, rej *contracts.Rejection) error {
	if _, commitRej := r.commit(ctx, func(now int64) (contracts.ExecutionRecord, *contracts.Rejection) {
		return contracts.ExecutionRecord{
			TraceID:        traceID,
			State:          contracts.StateFailed,
			CapabilityHash: capHash,
			InputHash:      inputHash,
			Reason:         contracts.CodeExpired,
		}, nil
	}); commitRej != nil {
		return commitRej
	}
	return rej
}

// Complete records the tool output and closes the trace as COMPLETED.
func (r *Runtime) Complete(ctx context.Context, traceID string, output map[string]any) (rec contracts.ExecutionRecord, err error) {
	start := r.clock()
	defer func() { r.observe(ctx, "complete", start, err) }()

	outputCanonical, cerr := canonicalize.Canonicalize(mapOrEmpty(output))
	if cerr != nil {
		if rej, ok := contracts.AsRejection(cerr); ok {
			return contracts.ExecutionRecord{}, rej
		}
		return contracts.ExecutionRecord{}, cerr
	}
	outputHash := contracts.HashBytes(outputCanonical)
	return r.finish(ctx, traceID, contracts.StateCompleted, &outputHash, "")
}

// Fail closes the trace as FAILED with a short diagnostic reason.
func (r *Runtime) Fail(ctx context.Context, traceID, reason string) (rec contracts.ExecutionRecord, err error) {
	start := r.clock()
	defer func() { r.observe(ctx, "fail", start, err) }()

	if reason == "" {
		reason = "TOOL_ERROR"
	}
	return r.finish(ctx, traceID, contracts.StateFailed, nil, reason)
}

func (r *Runtime) finish(ctx context.Context, traceID string, state contracts.State, outputHash *contracts.Hash, reason string) (contracts.ExecutionRecord, error) {
	if err := r.ensureRecovered(); err != nil {
		return contracts.ExecutionRecord{}, err
	}
	if !r.locks.TryAcquire(traceID) {
		return contracts.ExecutionRecord{}, contracts.Reject(contracts.CodeTraceBusy, "",
			"trace %s has a transition in flight", traceID)
	}
	defer r.locks.Release(traceID)

	info := r.lookupTrace(traceID)
	if info == nil {
		return contracts.ExecutionRecord{}, ErrUnknownTrace
	}
	if info.state.Terminal() {
		return contracts.ExecutionRecord{}, contracts.Reject(contracts.CodeAlreadyTerminal, "",
			"trace %s is %s", traceID, info.state)
	}
	if info.state != contracts.StateExecuting {
		return contracts.ExecutionRecord{}, ErrInvalidEvent
	}

	capHash, inputHash := info.capabilityHash, info.inputHash
	record, rej := r.commit(ctx, func(now int64) (contracts.ExecutionRecord, *contracts.Rejection) {
		return contracts.ExecutionRecord{
			TraceID:        traceID,
			State:          state,
			CapabilityHash: capHash,
			InputHash:      inputHash,
			OutputHash:     outputHash,
			Reason:         reason,
		}, nil
	})
	if rej != nil {
		return contracts.ExecutionRecord{}, rej
	}
	return record, nil
}

// commit links, appends, and indexes one record under the writer lock. The
// build closure receives the timestamp that the record will carry and may
// veto the transition; the append itself runs on a context that ignores
// cancellation, because a torn cancel mid-append would leave the caller's
// view and the log disagreeing.
func (r *Runtime) commit(ctx context.Context, build func(now int64) (contracts.ExecutionRecord, *contracts.Rejection)) (contracts.ExecutionRecord, *contracts.Rejection) {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	now := r.clock().UnixNano()
	if now <= r.lastCreatedAt {
		now = r.lastCreatedAt + 1
	}

	record, rej := build(now)
	if rej != nil {
		return contracts.ExecutionRecord{}, rej
	}
	record.Sequence = r.headSeq + 1
	record.PrevHash = r.headHash
	record.CreatedAt = now

	record, err := hashchain.Seal(record)
	if err != nil {
		return contracts.ExecutionRecord{}, commitFailed(err)
	}
	if err := r.store.Append(context.WithoutCancel(ctx), record); err != nil {
		return contracts.ExecutionRecord{}, commitFailed(err)
	}

	r.headSeq = record.Sequence
	r.headHash = record.RecordHash
	r.lastCreatedAt = now
	r.indexRecord(record)

	r.auditor.Record(ctx, audit.Event{
		Type:     audit.EventTransition,
		TraceID:  record.TraceID,
		Sequence: record.Sequence,
		State:    string(record.State),
		Reason:   record.Reason,
	})
	return record, nil
}

// indexRecord folds a committed record into the latest-state trace index.
func (r *Runtime) indexRecord(record contracts.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.traces[record.TraceID]
	if !ok {
		info = &traceInfo{}
		r.traces[record.TraceID] = info
	}
	info.state = record.State
	if !record.CapabilityHash.IsZero() {
		info.capabilityHash = record.CapabilityHash
	}
	if record.InputHash != nil {
		info.inputHash = record.InputHash
	}
}

func (r *Runtime) lookupTrace(traceID string) *traceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.traces[traceID]
	if !ok {
		return nil
	}
	clone := *info
	return &clone
}

func (r *Runtime) setExpiry(traceID string, expiresAt int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.traces[traceID]; ok {
		info.expiresAt = expiresAt
	}
}

// TraceState returns the latest state of a trace.
func (r *Runtime) TraceState(traceID string) (contracts.State, bool) {
	info := r.lookupTrace(traceID)
	if info == nil {
		return "", false
	}
	return info.state, true
}

func (r *Runtime) ensureRecovered() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recovered {
		return ErrNotRecovered
	}
	return nil
}

func (r *Runtime) observe(ctx context.Context, op string, start time.Time, err error) {
	if r.observer != nil {
		r.observer.Observe(ctx, op, start, err)
	}
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
