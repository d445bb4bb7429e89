// Package errs defines the error kinds carried across every RPC surface in
// SDDMS (client-executor, executor-controller, executor-peer).
package errs

import "fmt"

// Kind discriminates the error categories from the wire protocol's
// Error{code, message} status payload.
type Kind string

const (
	InvalidArgument      Kind = "InvalidArgument"
	SqlExecutionError    Kind = "SqlExecutionError"
	AbortedByDeadlock    Kind = "AbortedByDeadlock"
	LockTimeout          Kind = "LockTimeout"
	ReplicationFailed    Kind = "ReplicationFailed"
	ControllerUnavailable Kind = "ControllerUnavailable"
	InternalError        Kind = "InternalError"
)

// Error is the structured error type returned by every SDDMS component.
// It travels over the wire as the Error{code, message} status payload and
// is reconstructed on the receiving side with the same Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, defaulting to InternalError for anything else.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return InternalError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
