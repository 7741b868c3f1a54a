// Package errors defines the typed errors shared by the FlyWeb packages.
//
// The taxonomy follows the way the engine treats failures:
//
//   - WireFormatError: malformed bytes received from the network. Engines drop
//     the offending datagram or connection and keep running.
//   - ValidationError: a caller handed us a value we cannot encode or accept.
//   - NotFoundError: a caller referenced an id (listener, server, service) that
//     is not registered. Always surfaced to the caller, never ignored.
//   - NetworkError: socket level failures (bind, send, receive, close).
package errors

import "fmt"

// NetworkError reports a failure of a socket operation.
type NetworkError struct {
	// Operation names what was being attempted (e.g. "send announcement").
	Operation string

	// Err is the underlying error returned by the net package.
	Err error

	// Details carries human readable context such as the peer address.
	Details string
}

func (e *NetworkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("network error during %s: %v (%s)", e.Operation, e.Err, e.Details)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// WireFormatError reports bytes that do not follow the expected wire layout.
type WireFormatError struct {
	// Operation names the decoding step (e.g. "parse name").
	Operation string

	// Field is the element of the message that was malformed, if known.
	Field string

	// Message describes the problem.
	Message string

	// Err is an optional underlying error.
	Err error
}

func (e *WireFormatError) Error() string {
	msg := fmt.Sprintf("wire format error during %s", e.Operation)
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *WireFormatError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid value supplied by a caller.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %q: %s", e.Field, fmt.Sprint(e.Value), e.Message)
}

// NotFoundError reports a reference to an unknown id.
type NotFoundError struct {
	// Kind is the sort of object looked up ("listener", "server", "service").
	Kind string

	// ID is the id the caller supplied.
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
