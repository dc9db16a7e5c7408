// Package errs defines the stable error kinds shared across every component
// of the runtime, plus a typed error carrying one of them.
//
// Kinds are neutral, uppercase-with-underscore codes so callers and CLI
// exit-code logic can dispatch with KindOf (or errors.As to *Error) rather
// than string matching, the way the teacher's internal/config distinguishes
// ConfigurationError categories.
package errs

import "fmt"

// Kind is a stable error classification code.
type Kind string

const (
	MalformedConfig     Kind = "MALFORMED_CONFIG"
	CircularDependency  Kind = "CIRCULAR_DEPENDENCY"
	Unsatisfiable       Kind = "UNSATISFIABLE"
	ValidationRejected  Kind = "VALIDATION_REJECTED"
	ScriptFailure       Kind = "SCRIPT_FAILURE"
	BrokenExhausted     Kind = "BROKEN_EXHAUSTED"
	AuthFailed          Kind = "AUTH_FAILED"
	AuthzDenied         Kind = "AUTHZ_DENIED"
	IOError             Kind = "IO_ERROR"
	Timeout             Kind = "TIMEOUT"
	DependencyCycle     Kind = "DEPENDENCY_CYCLE"
	AlreadyBound        Kind = "ALREADY_BOUND"
	NotFound            Kind = "NOT_FOUND"
)

// Error is the shared typed error for every component. It never carries
// secrets (tokens, keys) in Message, per the propagation policy in the error
// handling design.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
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

// KindOf extracts the Kind carried by err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var ne *Error
	if err == nil {
		return "", false
	}
	if asError(err, &ne) {
		return ne.Kind, true
	}
	return "", false
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// asError walks err's single-error Unwrap chain and stores the first *Error
// it finds in target. Unlike errors.As, it does not descend into errors
// that unwrap to a slice (Unwrap() []error).
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
