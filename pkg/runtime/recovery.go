package runtime

import (
	"context"
	"fmt"

	"github.com/talos-foundation/tga/pkg/audit"
	"github.com/talos-foundation/tga/pkg/contracts"
	"github.com/talos-foundation/tga/pkg/hashchain"
)

// RecoveryReport summarizes what recovery found and decided.
type RecoveryReport struct {
	Records        int
	Traces         int
	OrphansFailed  []string // EXECUTING traces closed with RECOVERED_ORPHAN
	ExpiredFailed  []string // AUTHORIZED traces whose capability lapsed
	AuthorizedKept []string // AUTHORIZED traces that may continue
}

// Recover runs at startup, before any request is accepted.
//
// It re-verifies the full chain, rebuilds the per-trace latest-state index,
// and resolves non-terminal traces: EXECUTING becomes FAILED with
// RECOVERED_ORPHAN; AUTHORIZED survives only while the authorizing
// capability is still temporally valid. Integrity violations are fatal and
// the process must refuse to serve. The session cache is never warmed;
// sessions are ephemeral and require fresh authorization after a restart.
func (r *Runtime) Recover(ctx context.Context) (*RecoveryReport, error) {
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: recovery load: %w", err)
	}

	if err := hashchain.Verify(records); err != nil {
		return nil, &FatalError{Code: contracts.CodeHashChainBroken, Err: err}
	}

	paths := make(map[string][]contracts.State)
	order := make([]string, 0)
	for _, rec := range records {
		if _, seen := paths[rec.TraceID]; !seen {
			order = append(order, rec.TraceID)
		}
		paths[rec.TraceID] = append(paths[rec.TraceID], rec.State)
	}
	for traceID, states := range paths {
		if !contracts.ValidPath(states) {
			return nil, &FatalError{
				Code: contracts.CodeInvalidStatePath,
				Err:  fmt.Errorf("trace %s projects states %v", traceID, states),
			}
		}
	}

	r.mu.Lock()
	r.traces = make(map[string]*traceInfo, len(paths))
	r.mu.Unlock()

	r.appendMu.Lock()
	if n := len(records); n > 0 {
		r.headSeq = records[n-1].Sequence
		r.headHash = records[n-1].RecordHash
		r.lastCreatedAt = records[n-1].CreatedAt
	}
	r.appendMu.Unlock()

	for _, rec := range records {
		r.indexRecord(rec)
	}

	report := &RecoveryReport{Records: len(records), Traces: len(paths)}
	nowUnix := r.clock().Unix()

	for _, traceID := range order {
		info := r.lookupTrace(traceID)
		switch info.state {
		case contracts.StateExecuting:
			if err := r.resolveOrphan(ctx, traceID, info, contracts.ReasonRecoveredOrphan); err != nil {
				return nil, err
			}
			report.OrphansFailed = append(report.OrphansFailed, traceID)

		case contracts.StateAuthorized:
			expiresAt, ok := r.bindingExpiry(ctx, info.capabilityHash)
			if !ok || expiresAt <= nowUnix {
				// No surviving binding reads as expired: fail closed.
				if err := r.resolveOrphan(ctx, traceID, info, contracts.ReasonCapabilityExpiredRecover); err != nil {
					return nil, err
				}
				report.ExpiredFailed = append(report.ExpiredFailed, traceID)
				continue
			}
			r.setExpiry(traceID, expiresAt)
			report.AuthorizedKept = append(report.AuthorizedKept, traceID)
		}
	}

	r.mu.Lock()
	r.recovered = true
	r.mu.Unlock()

	r.auditor.Record(ctx, audit.Event{
		Type: audit.EventRecovery,
		Metadata: map[string]any{
			"records":         report.Records,
			"traces":          report.Traces,
			"orphans_failed":  len(report.OrphansFailed),
			"expired_failed":  len(report.ExpiredFailed),
			"authorized_kept": len(report.AuthorizedKept),
		},
	})
	r.logger.Info("recovery complete",
		"records", report.Records,
		"traces", report.Traces,
		"orphans_failed", len(report.OrphansFailed),
		"expired_failed", len(report.ExpiredFailed))
	return report, nil
}

func (r *Runtime) resolveOrphan(ctx context.Context, traceID string, info *traceInfo, reason string) error {
	capHash, inputHash := info.capabilityHash, info.inputHash
	_, rej := r.commit(ctx, func(now int64) (contracts.ExecutionRecord, *contracts.Rejection) {
		return contracts.ExecutionRecord{
			TraceID:        traceID,
			State:          contracts.StateFailed,
			CapabilityHash: capHash,
			InputHash:      inputHash,
			Reason:         reason,
		}, nil
	})
	if rej != nil {
		return fmt.Errorf("runtime: resolve trace %s: %w", traceID, rej)
	}
	return nil
}

func (r *Runtime) bindingExpiry(ctx context.Context, capHash contracts.Hash) (int64, bool) {
	if capHash.IsZero() {
		return 0, false
	}
	binding, ok, err := r.store.SessionForCapability(ctx, capHash)
	if err != nil || !ok {
		return 0, false
	}
	return binding.ExpiresAt, true
}

// VerifyChain re-verifies the persisted log end to end without mutating
// anything. Backs the `tga verify` command.
func VerifyChain(ctx context.Context, st interface {
	LoadAll(ctx context.Context) ([]contracts.ExecutionRecord, error)
}) (int, error) {
	records, err := st.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := hashchain.Verify(records); err != nil {
		return len(records), err
	}
	paths := make(map[string][]contracts.State)
	for _, rec := range records {
		paths[rec.TraceID] = append(paths[rec.TraceID], rec.State)
	}
	for traceID, states := range paths {
		if !contracts.ValidPath(states) {
			return len(records), &FatalError{
				Code: contracts.CodeInvalidStatePath,
				Err:  fmt.Errorf("trace %s projects states %v", traceID, states),
			}
		}
	}
	return len(records), nil
}
