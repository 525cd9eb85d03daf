// Package hashchain binds execution records into a tamper-evident chain:
// each record's hash covers the previous record's hash, so any byte flipped
// anywhere in the log invalidates every subsequent link.
package hashchain

import (
	"fmt"
	"strconv"

	"github.com/talos-foundation/tga/pkg/canonicalize"
	"github.com/talos-foundation/tga/pkg/contracts"
)

// BreakKind classifies a chain verification failure.
type BreakKind string

const (
	BreakHashMismatch     BreakKind = "HASH_MISMATCH"
	BreakSequenceGap      BreakKind = "SEQUENCE_GAP"
	BreakPrevLinkMismatch BreakKind = "PREV_LINK_MISMATCH"
)

// Break identifies the first damaged record in a chain.
type Break struct {
	Sequence uint64
	Kind     BreakKind
}

func (b *Break) Error() string {
	return fmt.Sprintf("%s at sequence %d (%s)", contracts.CodeHashChainBroken, b.Sequence, b.Kind)
}

// Digest canonicalizes v and hashes it.
func Digest(v any) (contracts.Hash, error) {
	return canonicalize.Digest(v)
}

// Link computes a record's hash per the chain invariant: SHA-256 over the
// canonicalization of every field except the record hash itself.
//
// The preimage encodes digests in their external base64url form and the
// timestamp as a decimal string; epoch nanoseconds exceed the canonical
// integer range.
func Link(r contracts.ExecutionRecord) (contracts.Hash, error) {
	return Digest(preimage(r))
}

func preimage(r contracts.ExecutionRecord) map[string]any {
	var input, output any
	if r.InputHash != nil {
		input = r.InputHash.Base64()
	}
	if r.OutputHash != nil {
		output = r.OutputHash.Base64()
	}
	var reason any
	if r.Reason != "" {
		reason = r.Reason
	}
	return map[string]any{
		"prev_hash":       r.PrevHash.Base64(),
		"sequence":        int64(r.Sequence),
		"trace_id":        r.TraceID,
		"state":           string(r.State),
		"capability_hash": r.CapabilityHash.Base64(),
		"input_hash":      input,
		"output_hash":     output,
		"created_at":      strconv.FormatInt(r.CreatedAt, 10),
		"reason":          reason,
	}
}

// Seal fills in r.RecordHash from the other fields and returns the record.
func Seal(r contracts.ExecutionRecord) (contracts.ExecutionRecord, error) {
	h, err := Link(r)
	if err != nil {
		return r, err
	}
	r.RecordHash = h
	return r, nil
}

// Verify walks records in order, checking the three chain invariants:
// gap-free sequences from 1, prev-link continuity, and per-record hash
// integrity. It returns nil for an intact chain (the empty chain is intact)
// or a *Break naming the first damaged sequence.
func Verify(records []contracts.ExecutionRecord) error {
	prev := contracts.ZeroHash
	for i, r := range records {
		if r.Sequence != uint64(i)+1 {
			return &Break{Sequence: uint64(i) + 1, Kind: BreakSequenceGap}
		}
		if r.PrevHash != prev {
			return &Break{Sequence: r.Sequence, Kind: BreakPrevLinkMismatch}
		}
		computed, err := Link(r)
		if err != nil {
			return fmt.Errorf("hashchain: relink sequence %d: %w", r.Sequence, err)
		}
		if computed != r.RecordHash {
			return &Break{Sequence: r.Sequence, Kind: BreakHashMismatch}
		}
		prev = r.RecordHash
	}
	return nil
}
