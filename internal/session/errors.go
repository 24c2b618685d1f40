package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")

	// ErrCapacityExceeded is returned when admission is refused at the
	// concurrency ceiling. No session is created.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidTransition is returned for an off-table state transition.
	// Surfacing it externally indicates a bug in the caller.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidConfig is returned for bad creation input, before any
	// resources are allocated.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotReady is returned when a result is requested before the
	// session reached a terminal state.
	ErrNotReady = errors.New("session not ready")

	// ErrCancelled is returned when a result is requested from a
	// cancelled session.
	ErrCancelled = errors.New("session cancelled")
)

// FailureError surfaces the stored failure of a Failed or TimedOut session.
type FailureError struct {
	State  State
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("session %s: %s", e.State, e.Reason)
}
