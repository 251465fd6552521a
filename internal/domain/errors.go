package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline errors for propagation decisions and for the
// machine-readable code in HTTP error envelopes.
type ErrorKind string

const (
	KindValidation     ErrorKind = "VALIDATION_ERROR"
	KindAuthentication ErrorKind = "UNAUTHORIZED"
	KindAuthorization  ErrorKind = "FORBIDDEN"
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindRateLimited    ErrorKind = "RATE_LIMITED"
	KindQueue          ErrorKind = "QUEUE_ERROR"
	KindProvider       ErrorKind = "PROVIDER_ERROR"
	KindModel          ErrorKind = "MODEL_ERROR"
	KindSchema         ErrorKind = "SCHEMA_ERROR"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindSignalRejected ErrorKind = "SIGNAL_REJECTED"
	KindInternal       ErrorKind = "INTERNAL_ERROR"
)

// Error is the typed error carried across pipeline boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
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

// NewError builds a typed error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError attaches a cause to a typed error.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured details, returned for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the error kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// RejectionError marks a signal rejected by pre-enrichment validation. The
// consumer acks the message without retrying.
type RejectionError struct {
	Reason  string
	Symbol  string
	Details map[string]any
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("signal rejected for %s: %s", e.Symbol, e.Reason)
}

// Rejection reasons used by the validator.
const (
	ReasonSignalTooOld      = "signal_too_old"
	ReasonPriceDriftTooHigh = "price_drift_too_high"
)
