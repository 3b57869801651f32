package chain

import (
	"fmt"

	"github.com/projecteru2/chrysalis/types"
)

// InconsistencyError reports a chain whose on-disk layout contradicts the
// ledger: a missing link file, a misbacked link, or a root that is not
// self-contained. It is fatal for the boot attempt that found it and is
// never repaired by guessing — the operator reconciles explicitly.
type InconsistencyError struct {
	Disk   types.DiskRef
	Index  uint64
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("chain inconsistency on %s at index %d: %s", e.Disk, e.Index, e.Reason)
}

// PartialRebaseError reports an interrupted store-mode commit. The disk's
// archived links may hold dangling backing references until the cycle is
// resumed, so every other chain operation on the disk is refused until
// ResumeRebase converges.
type PartialRebaseError struct {
	Disk  types.DiskRef
	Phase types.RebasePhase
	Next  uint64
	Err   error // underlying cause when the interruption was observed live
}

func (e *PartialRebaseError) Error() string {
	msg := fmt.Sprintf("partial archive/rebase on %s (phase %s, next index %d): resume required", e.Disk, e.Phase, e.Next)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PartialRebaseError) Unwrap() error { return e.Err }
