// Package errkind classifies the errors the supervisor core surfaces to its
// callers. Every error that crosses a component boundary is wrapped in a
// *Error carrying one of the six kinds below so that logging, metrics, and
// the supervisor's own control flow can branch on classification instead of
// string matching.
package errkind

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind is one of the six error classifications the core produces.
type Kind string

const (
	// CircuitOpen means a breaker refused a call outright.
	CircuitOpen Kind = "CIRCUIT_OPEN"
	// DependencyFailure means the call went through but the dependency
	// returned an error.
	DependencyFailure Kind = "DEPENDENCY_FAILURE"
	// TaskFailed means a task exceeded its maxAttempts.
	TaskFailed Kind = "TASK_FAILED"
	// StateCorrupt means on-disk state could not be parsed.
	StateCorrupt Kind = "STATE_CORRUPT"
	// ConfigInvalid is fatal only at startup.
	ConfigInvalid Kind = "CONFIG_INVALID"
	// ChildCrash is internal and triggers the restart path.
	ChildCrash Kind = "CHILD_CRASH"
)

// Error is a classified error carrying enough context for structured
// logging and for callers that need to branch on Kind.
type Error struct {
	Kind          Kind
	Message       string
	Service       string // breaker/dependency name, where applicable
	CorrelationID string
	Timestamp     time.Time
	cause         error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Service, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error with no underlying cause. The kinds that
// represent a terminal rejection rather than a wrapped failure (CIRCUIT_OPEN
// foremost) still benefit from a captured stack, since the caller's op never
// ran and there is no wrapped err to Unwrap to for that context — pkg/errors
// gives us WithStack for exactly that case.
func New(kind Kind, service, message string) *Error {
	return &Error{Kind: kind, Service: service, Message: message, Timestamp: time.Now(), cause: errors.WithStack(fmt.Errorf("%s", message))}
}

// Wrap attaches a kind to an existing error, preserving it for Unwrap and
// annotating it with a stack trace via pkg/errors so a circuit breaker
// rejection or a guard fallback exhaustion can still be traced back to its
// call site in logs even once it has crossed a component boundary.
func Wrap(err error, kind Kind, service string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Service: service, Message: err.Error(), Timestamp: time.Now(), cause: errors.Wrap(err, string(kind))}
}

// WithCorrelationID attaches the ambient correlation ID, if any.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// Is reports whether err was built with the given Kind. It lets callers
// write errkind.Is(err, errkind.CircuitOpen) instead of type-asserting.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*Error)
	if !ok {
		return false
	}
	return ce.Kind == kind
}
