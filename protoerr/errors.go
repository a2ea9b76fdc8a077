// Package protoerr provides the error taxonomy shared by the codec, session
// state machine, and the two endpoint drivers.
//
// Every error raised by the core is one of:
//   - TransportError: the underlying transport failed or closed unexpectedly.
//   - ProtocolError: a peer sent a frame that does not respect the wire
//     contract (MalformedEvent), arrives in a state that forbids it
//     (IllegalTransition), or references an id that was never announced
//     (UnknownReference).
//   - ValidationError: the local host attempted an illegal send; the session
//     is unaffected and nothing is transmitted.
package protoerr

import "fmt"

// ProtocolErrorKind distinguishes the ways a peer can violate the wire
// contract.
type ProtocolErrorKind int

const (
	// MalformedEvent marks an unparseable frame, unknown event_type, a
	// missing required field, an invalid UUID, or a binary frame shorter
	// than 16 bytes.
	MalformedEvent ProtocolErrorKind = iota
	// IllegalTransition marks a legally-typed event arriving in a state
	// that forbids it.
	IllegalTransition
	// UnknownReference marks an event referencing an id that was never
	// announced.
	UnknownReference
)

// String renders the kind for logging and error messages.
func (k ProtocolErrorKind) String() string {
	switch k {
	case MalformedEvent:
		return "malformed_event"
	case IllegalTransition:
		return "illegal_transition"
	case UnknownReference:
		return "unknown_reference"
	default:
		return "unknown"
	}
}

// baseErr captures the component/operation/cause context shared by every
// error kind the core raises.
type baseErr struct {
	Component string
	Operation string
	Cause     error
}

func (e *baseErr) message() string {
	base := fmt.Sprintf("[%s] %s", e.Component, e.Operation)
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

// Unwrap returns the underlying cause, enabling errors.Is/errors.As.
func (e *baseErr) Unwrap() error { return e.Cause }

// TransportError wraps an I/O failure or unexpected transport closure. A
// TransportError always terminates the session.
type TransportError struct {
	baseErr
}

// NewTransportError builds a TransportError for the given component
// ("client", "server", a transport adapter name) and operation.
func NewTransportError(component, operation string, cause error) *TransportError {
	return &TransportError{baseErr{Component: component, Operation: operation, Cause: cause}}
}

func (e *TransportError) Error() string { return "transport error " + e.message() }

// ProtocolError wraps a peer violation of the wire contract.
type ProtocolError struct {
	baseErr
	Kind ProtocolErrorKind
}

// NewProtocolError builds a ProtocolError of the given kind.
func NewProtocolError(kind ProtocolErrorKind, component, operation string, cause error) *ProtocolError {
	return &ProtocolError{baseErr{Component: component, Operation: operation, Cause: cause}, kind}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s) %s", e.Kind, e.message())
}

// ValidationError wraps an illegal local send attempt. It is surfaced
// synchronously to the caller and never transmitted.
type ValidationError struct {
	baseErr
}

// NewValidationError builds a ValidationError for the given component and
// operation (typically the driver method name).
func NewValidationError(component, operation string, cause error) *ValidationError {
	return &ValidationError{baseErr{Component: component, Operation: operation, Cause: cause}}
}

func (e *ValidationError) Error() string { return "validation error " + e.message() }
