package runtime

import (
	"errors"
	"fmt"

	"github.com/talos-foundation/tga/pkg/contracts"
)

var (
	// ErrNotRecovered means a transition was attempted before Recover ran.
	ErrNotRecovered = errors.New("runtime: recovery has not completed")

	// ErrUnknownTrace means the event names a trace with no records.
	ErrUnknownTrace = errors.New("runtime: unknown trace")

	// ErrInvalidEvent means the event does not apply to the trace's
	// current non-terminal state (for example complete before dispatch).
	ErrInvalidEvent = errors.New("runtime: event not valid in current state")
)

// FatalError is an integrity violation. The process must refuse to serve:
// the log is the ground truth for audit and a damaged log is never silently
// repaired.
type FatalError struct {
	Code string // HASH_CHAIN_BROKEN or INVALID_STATE_PATH
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func commitFailed(err error) *contracts.Rejection {
	return contracts.Reject(contracts.CodeStateCommitFailed, "", "%v", err)
}
