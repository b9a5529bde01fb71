// Package errors provides the typed error taxonomy used across the
// authorization pipeline. Every failure a sequencer step can raise carries
// one of the types below, so callers can decide between re-invoking the
// same step, aborting, or restarting the pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType categorizes pipeline failures.
type ErrorType string

const (
	// GuardViolation means a step was invoked with an unmet precondition,
	// or the pipeline was re-invoked after completion. No state changed.
	GuardViolation ErrorType = "guard_violation"

	// DiscoveryError means mandatory authorization server metadata was
	// missing or failed schema validation. The step did not advance.
	DiscoveryError ErrorType = "discovery_error"

	// RegistrationError means dynamic client registration failed.
	RegistrationError ErrorType = "registration_error"

	// ValidationError means user input (the authorization code) failed
	// validation. The step is deliberately held for correction.
	ValidationError ErrorType = "validation_error"

	// ExchangeError means the token request failed.
	ExchangeError ErrorType = "exchange_error"

	// StorageError means the credential provider failed to persist or
	// retrieve state.
	StorageError ErrorType = "storage_error"

	// NetworkError means a wire operation failed before a protocol-level
	// answer was received.
	NetworkError ErrorType = "network_error"
)

// FlowError is a structured pipeline error.
type FlowError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// New creates a FlowError without a cause.
func New(errorType ErrorType, message string) *FlowError {
	return &FlowError{Type: errorType, Message: message}
}

// Newf creates a FlowError with a formatted message.
func Newf(errorType ErrorType, format string, args ...any) *FlowError {
	return &FlowError{Type: errorType, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a type and context message to an existing error.
func Wrap(err error, errorType ErrorType, message string) *FlowError {
	return &FlowError{Type: errorType, Message: message, Cause: err}
}

// IsType reports whether err (or anything it wraps) is a FlowError of the
// given type.
func IsType(err error, errorType ErrorType) bool {
	var flowErr *FlowError
	if stderrors.As(err, &flowErr) {
		return flowErr.Type == errorType
	}
	return false
}
