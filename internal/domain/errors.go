package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrCapacityExhausted is returned when the isolation manager has no free
// slot. Callers decide whether to retry; requests never queue.
var ErrCapacityExhausted = errors.New("isolation capacity exhausted")

// ErrCorruptState marks persisted run state that is unreadable or
// internally inconsistent. A run in this condition is aborted and never
// silently resumed.
var ErrCorruptState = errors.New("corrupt run state")

// QuotaExhaustedError is returned when both API transports are out of
// quota and the client is configured not to block.
type QuotaExhaustedError struct {
	ResetAt time.Time // earliest reset across both transports
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("api quota exhausted on both transports until %s", e.ResetAt.Format(time.RFC3339))
}

// TransientError wraps a network or API hiccup. The API client surfaces
// it unretried; the caller owns backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PhaseFailure is the structured report the coordinator returns when a
// phase fails. It is persisted to the phase record before it reaches the
// caller.
type PhaseFailure struct {
	RunID    string
	Phase    Phase
	Class    FailureClass
	Cause    error
	Artifact string // reference to output the executor produced, if any
}

func (e *PhaseFailure) Error() string {
	return fmt.Sprintf("phase %s of run %s failed (%s): %v", e.Phase, e.RunID, e.Class, e.Cause)
}

func (e *PhaseFailure) Unwrap() error { return e.Cause }
