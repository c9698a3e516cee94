package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an action is attempted against a state
// that forbids it, e.g. claiming a match that already has an approved claim.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrStaleState is returned when a guarded update lost a race against a
// concurrent writer. Callers should re-fetch and retry, or report that the
// decision was already made.
var ErrStaleState = errors.New("stale state: refresh and retry")

// TransitionError describes a rejected transition. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	Event  string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot apply %q in state %q", e.Entity, e.ID, e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
