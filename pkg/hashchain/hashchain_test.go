package hashchain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talos-foundation/tga/pkg/contracts"
)

// buildChain seals one linked record per given state, all on trace T1.
func buildChain(t *testing.T, states []contracts.State) []contracts.ExecutionRecord {
	t.Helper()
	capHash := contracts.HashBytes([]byte("capability"))
	inputHash := contracts.HashBytes([]byte("input"))

	records := make([]contracts.ExecutionRecord, 0, len(states))
	prev := contracts.ZeroHash
	for i, state := range states {
		r := contracts.ExecutionRecord{
			Sequence:       uint64(i) + 1,
			TraceID:        "T1",
			State:          state,
			CapabilityHash: capHash,
			InputHash:      &inputHash,
			PrevHash:       prev,
			CreatedAt:      1700000000000000000 + int64(i),
		}
		sealed, err := Seal(r)
		require.NoError(t, err)
		records = append(records, sealed)
		prev = sealed.RecordHash
	}
	return records
}

func happyStates() []contracts.State {
	return []contracts.State{
		contracts.StatePending,
		contracts.StateAuthorized,
		contracts.StateExecuting,
		contracts.StateCompleted,
	}
}

func TestVerifyIntactChain(t *testing.T) {
	records := buildChain(t, happyStates())
	require.NoError(t, Verify(records))
}

func TestVerifyEmptyChain(t *testing.T) {
	require.NoError(t, Verify(nil))
}

func TestVerifyDetectsHashMismatch(t *testing.T) {
	records := buildChain(t, happyStates())
	tampered := contracts.HashBytes([]byte("forged output"))
	records[2].OutputHash = &tampered

	err := Verify(records)
	var brk *Break
	require.True(t, errors.As(err, &brk))
	assert.Equal(t, uint64(3), brk.Sequence)
	assert.Equal(t, BreakHashMismatch, brk.Kind)
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	records := buildChain(t, happyStates())
	gapped := append(records[:2:2], records[3])

	err := Verify(gapped)
	var brk *Break
	require.True(t, errors.As(err, &brk))
	assert.Equal(t, uint64(3), brk.Sequence)
	assert.Equal(t, BreakSequenceGap, brk.Kind)
}

func TestVerifyDetectsPrevLinkMismatch(t *testing.T) {
	records := buildChain(t, happyStates())
	records[1].PrevHash = contracts.HashBytes([]byte("severed"))
	// Re-seal so the record's own hash is self-consistent; only the link
	// to the predecessor is broken.
	resealed, err := Seal(records[1])
	require.NoError(t, err)
	records[1] = resealed

	verr := Verify(records)
	var brk *Break
	require.True(t, errors.As(verr, &brk))
	assert.Equal(t, uint64(2), brk.Sequence)
	assert.Equal(t, BreakPrevLinkMismatch, brk.Kind)
}

func TestVerifyRejectsNonZeroGenesis(t *testing.T) {
	records := buildChain(t, happyStates())[:1]
	records[0].PrevHash = contracts.HashBytes([]byte("not genesis"))
	resealed, err := Seal(records[0])
	require.NoError(t, err)

	verr := Verify([]contracts.ExecutionRecord{resealed})
	var brk *Break
	require.True(t, errors.As(verr, &brk))
	assert.Equal(t, uint64(1), brk.Sequence)
	assert.Equal(t, BreakPrevLinkMismatch, brk.Kind)
}

func TestLinkCoversEveryField(t *testing.T) {
	base := buildChain(t, happyStates())[3]
	baseline, err := Link(base)
	require.NoError(t, err)

	mutations := map[string]func(*contracts.ExecutionRecord){
		"sequence":  func(r *contracts.ExecutionRecord) { r.Sequence++ },
		"trace_id":  func(r *contracts.ExecutionRecord) { r.TraceID = "T2" },
		"state":     func(r *contracts.ExecutionRecord) { r.State = contracts.StateFailed },
		"reason":    func(r *contracts.ExecutionRecord) { r.Reason = "X" },
		"created":   func(r *contracts.ExecutionRecord) { r.CreatedAt++ },
		"prev":      func(r *contracts.ExecutionRecord) { r.PrevHash = contracts.HashBytes([]byte("p")) },
		"capa":      func(r *contracts.ExecutionRecord) { r.CapabilityHash = contracts.HashBytes([]byte("c")) },
		"input nil": func(r *contracts.ExecutionRecord) { r.InputHash = nil },
		"output": func(r *contracts.ExecutionRecord) {
			h := contracts.HashBytes([]byte("o"))
			r.OutputHash = &h
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := base
			mutate(&r)
			h, err := Link(r)
			require.NoError(t, err)
			assert.NotEqual(t, baseline, h, "mutating %s must change the record hash", name)
		})
	}
}

func TestLinkStableAcrossCalls(t *testing.T) {
	r := buildChain(t, happyStates())[1]
	h1, err := Link(r)
	require.NoError(t, err)
	h2, err := Link(r)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashExternalEncoding(t *testing.T) {
	h := contracts.HashBytes([]byte("x"))
	enc := h.Base64()
	assert.NotContains(t, enc, "=")
	decoded, ok := contracts.HashFromBase64(enc)
	require.True(t, ok)
	assert.Equal(t, h, decoded)

	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", contracts.ZeroHash.Base64())
}
