package tool

import (
	"errors"
	"fmt"
)

// Error represents a structured tool failure. It preserves a causal chain
// (for errors.Is/errors.As) while exposing a Public summary safe to surface
// to the customer through the Message Generator without leaking
// implementation details (spec.md §4.4 "Failure").
//
// Grounded on runtime/agent/toolerrors.ToolError.
type Error struct {
	// Public is a short, customer-safe description ("the balance lookup is
	// temporarily unavailable"). Always non-empty.
	Public string
	// Internal carries the full diagnostic message; never shown to the
	// customer, only logged and placed in the inspection trace.
	Internal string
	Cause    error
}

// New constructs an Error with the same text for both Public and Internal.
func New(message string) *Error {
	if message == "" {
		message = "tool error"
	}
	return &Error{Public: message, Internal: message}
}

// NewWithCause wraps cause and records a customer-safe Public summary
// distinct from the full diagnostic message.
func NewWithCause(public string, cause error) *Error {
	internal := public
	if cause != nil {
		internal = fmt.Sprintf("%s: %v", public, cause)
	}
	return &Error{Public: public, Internal: internal, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Internal
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// FromError converts an arbitrary error into a tool Error chain, defaulting
// Public to a generic phrase so internal details never leak by accident.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Public: "the tool failed to complete its request", Internal: err.Error(), Cause: err}
}
