// Package taskerr provides the error taxonomy for the background task plugin.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the subsystem that produced it.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindHostTransport Kind = "HOST_TRANSPORT"
	KindStateMachine  Kind = "STATE_MACHINE"
	KindSaga          Kind = "SAGA"
	KindPersistence   Kind = "PERSISTENCE"
)

// Sentinel validation failures surfaced at the launch/retrieve boundary.
var (
	ErrInvalidAgent      = errors.New("invalid agent")
	ErrReadOnlyAgent     = errors.New("agent is read-only")
	ErrNestedLaunch      = errors.New("background tasks cannot launch background tasks")
	ErrMalformedTaskID   = errors.New("malformed task id")
	ErrUnknownTask       = errors.New("unknown task")
	ErrTaskNotTerminal   = errors.New("task is not terminal")
	ErrManagerPaused     = errors.New("manager is paused")
	ErrMissingSender     = errors.New("notification sender is not configured")
	ErrMissingHostClient = errors.New("host client is not configured")
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation wraps err as a validation error.
func Validation(err error, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Err: err}
}

// HostTransport wraps a host RPC failure.
func HostTransport(op string, err error) *Error {
	return &Error{Kind: KindHostTransport, Message: op, Err: err}
}

// StateMachine wraps a state machine refusal.
func StateMachine(err error) *Error {
	return &Error{Kind: KindStateMachine, Err: err}
}

// Saga wraps a finalization saga failure.
func Saga(step string, err error) *Error {
	return &Error{Kind: KindSaga, Message: step, Err: err}
}

// Persistence wraps a state save/load failure.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: op, Err: err}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
