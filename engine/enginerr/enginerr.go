// Package enginerr defines the error taxonomy from spec.md §7: transient LLM
// errors, structured-output parse errors, tool errors, cancellation, and
// fatal errors. Stages wrap underlying failures into these types so the
// Iteration Controller can decide whether to retry, skip a stage, or abort
// the turn.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error into one of the five taxonomy members.
type Kind string

const (
	// KindTransient marks a retryable LLM completion failure (timeout, rate
	// limit, transport error). Retried with capped exponential backoff;
	// escalates to "stage skipped" once retries are exhausted.
	KindTransient Kind = "transient_llm_error"

	// KindParse marks a structured-output response that failed schema or
	// JSON validation. Retried once with a corrective hint; otherwise the
	// stage is skipped.
	KindParse Kind = "parse_error"

	// KindTool marks a tool invocation failure. Never retried by the
	// engine; recorded in the tool result's Error field and surfaced to the
	// Message Generator.
	KindTool Kind = "tool_error"

	// KindCancelled marks cooperative cancellation. Not an error condition;
	// callers should treat it as a warning, per spec.md §5.
	KindCancelled Kind = "cancelled"

	// KindFatal marks configuration or repository failures that end the
	// turn with an error status and no message event.
	KindFatal Kind = "fatal"
)

// Error is the concrete error type returned by engine stages. It chains to
// an optional Cause so errors.Is/errors.As can walk provider-specific
// failures wrapped beneath a taxonomy Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Provider identifies the model vendor when Kind is KindTransient or
	// KindFatal and the failure originated from a completion adapter.
	Provider string
	// Retryable reports whether retrying the same request, unmodified, may
	// succeed. Meaningful only for KindTransient.
	Retryable bool
	// HTTPStatus carries the provider HTTP status code when available.
	HTTPStatus int
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind that chains to cause.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Transient wraps a retryable completion failure.
func Transient(provider string, retryable bool, httpStatus int, cause error) *Error {
	return &Error{
		Kind:       KindTransient,
		Message:    cause.Error(),
		Cause:      cause,
		Provider:   provider,
		Retryable:  retryable,
		HTTPStatus: httpStatus,
	}
}

// Parse wraps a structured-output decoding or validation failure.
func Parse(cause error) *Error {
	return Wrap(KindParse, "structured output did not match the expected schema", cause)
}

// Cancelled returns the sentinel cancellation error for a turn.
func Cancelled() *Error {
	return &Error{Kind: KindCancelled, Message: "turn cancelled"}
}

// Fatal wraps a configuration or repository failure that must end the turn.
func Fatal(cause error) *Error {
	return Wrap(KindFatal, "fatal engine error", cause)
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, supporting
// errors.Is(err, enginerr.New(enginerr.KindCancelled, "")).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// IsCancelled reports whether err is (or wraps) a cancellation error.
func IsCancelled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindCancelled
}

// IsFatal reports whether err is (or wraps) a fatal error.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindFatal
}
