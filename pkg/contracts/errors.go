package contracts

import "fmt"

// Externally surfaced error codes. These are the full vocabulary callers of
// the agent can observe; everything else is wrapped detail.
const (
	CodeMissingCredentials = "MISSING_CREDENTIALS"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeExpired            = "EXPIRED"
	CodeNotYetValid        = "NOT_YET_VALID"
	CodeReplay             = "REPLAY"
	CodeTraceBusy          = "TRACE_BUSY"
	CodeAlreadyTerminal    = "ALREADY_TERMINAL"
	CodeStateCommitFailed  = "STATE_COMMIT_FAILED"
	CodeHashChainBroken    = "HASH_CHAIN_BROKEN"
	CodeInvalidStatePath   = "INVALID_STATE_PATH"
	CodeCanonUnsupported   = "CANONICAL_UNSUPPORTED"
)

// Sub-reasons attached to UNAUTHORIZED rejections.
const (
	SubMalformed         = "MALFORMED"
	SubBadSignature      = "BAD_SIGNATURE"
	SubAudience          = "AUDIENCE"
	SubToolMismatch      = "TOOL_MISMATCH"
	SubUnknownConstraint = "UNKNOWN_CONSTRAINT"
	SubReadOnly          = "READ_ONLY"
	SubInputSchema       = "INPUT_SCHEMA"
	SubInputPredicate    = "INPUT_PREDICATE"
	SubMaxInputBytes     = "MAX_INPUT_BYTES"
	SubInputKeys         = "INPUT_KEYS"
)

// Rejection is a structured, recoverable refusal. The verifier and the state
// machine return these as values; they never abort the process.
type Rejection struct {
	Code   string // one of the Code* constants
	Sub    string // optional sub-reason (Sub* constants)
	Detail string // human-readable context, never parsed
}

func (r *Rejection) Error() string {
	switch {
	case r.Sub != "" && r.Detail != "":
		return fmt.Sprintf("%s/%s: %s", r.Code, r.Sub, r.Detail)
	case r.Sub != "":
		return fmt.Sprintf("%s/%s", r.Code, r.Sub)
	case r.Detail != "":
		return fmt.Sprintf("%s: %s", r.Code, r.Detail)
	}
	return r.Code
}

// ReasonCode is the short diagnostic recorded on a REJECTED record.
func (r *Rejection) ReasonCode() string {
	if r.Sub != "" {
		return r.Code + "/" + r.Sub
	}
	return r.Code
}

// Reject builds a Rejection with a formatted detail.
func Reject(code, sub, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Sub: sub, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a Rejection, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	r, ok := err.(*Rejection)
	return r, ok
}
