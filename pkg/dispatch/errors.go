package dispatch

import "fmt"

// Error is a simple error type for dispatch errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for registration.
var (
	// ErrNilProcessor is returned when registering a nil method processor.
	ErrNilProcessor = Error("method processor cannot be nil")

	// ErrNilFactory is returned when registering a nil object factory.
	ErrNilFactory = Error("object factory cannot be nil")

	// ErrNilSource is returned when registering a nil handler source.
	ErrNilSource = Error("handler source cannot be nil")

	// ErrUnprocessable is returned when no registered processor accepts a
	// declared handler method. Registration of the remaining methods on
	// the same source is abandoned.
	ErrUnprocessable = Error("no method processor can handle method")

	// ErrDuplicateRoute is returned when a route key collides under the
	// explicit-only registration policy.
	ErrDuplicateRoute = Error("route already registered")
)

// DuplicateError reports a route key collision under PolicyExplicitOnly,
// identifying both the colliding and the previously registered descriptor.
type DuplicateError struct {
	Route    string
	Existing Invokable
	New      Invokable
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: route %q (existing %v, new %v)",
		ErrDuplicateRoute, e.Route, e.Existing, e.New)
}

// Unwrap allows errors.Is(err, ErrDuplicateRoute).
func (e *DuplicateError) Unwrap() error { return ErrDuplicateRoute }
