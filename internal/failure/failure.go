// Package failure is the protocol error taxonomy. Every rejected call
// carries a Kind and a distinct snake_case Reason; callers match with
// errors.Is against the sentinels declared next to each state machine.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Authorization: wrong caller role.
	Authorization Kind = iota + 1
	// State: operation invalid for the current status.
	State
	// Guard: a precondition such as freshness, LTV, pause, funds or timelock.
	Guard
	// Invariant: unreachable by construction; the core aborts on it.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Authorization:
		return "authorization"
	case State:
		return "state"
	case Guard:
		return "guard"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a rejected protocol call.
type Error struct {
	Kind   Kind
	Reason string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Detail)
}

// Is matches on Kind and Reason so a detailed error still satisfies its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

// With returns a copy carrying call-specific detail.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Detail: fmt.Sprintf(format, args...)}
}

func Unauthorized(reason string) *Error { return &Error{Kind: Authorization, Reason: reason} }
func BadState(reason string) *Error     { return &Error{Kind: State, Reason: reason} }
func Guarded(reason string) *Error      { return &Error{Kind: Guard, Reason: reason} }
func Violation(reason string) *Error    { return &Error{Kind: Invariant, Reason: reason} }

// KindOf extracts the Kind of a protocol error, or 0 for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// ReasonOf extracts the Reason, or "internal" for foreign errors.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return "internal"
}

// Shared reasons used by more than one state machine.
var (
	ErrPaused            = Guarded("paused")
	ErrInsufficientValue = Guarded("insufficient_value")
	ErrInvalidAmount     = Guarded("invalid_amount")
	ErrUnknownMessage    = BadState("unknown_message")
)
