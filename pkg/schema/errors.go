package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeNotEmpty        = "NOT_EMPTY"
	ErrCodeAuthFailure     = "AUTHENTICATION_FAILURE"
	ErrCodeKeyUnavailable  = "KEY_UNAVAILABLE"
	ErrCodeDenied          = "DENIED"
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// TokayError is the structured error type for all tokaysec operations.
// Messages must never carry secret values.
type TokayError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TokayError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TokayError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may be retried.
// Only idempotent reads are ever retried by callers.
func (e *TokayError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeKeyUnavailable:
		return true
	default:
		return false
	}
}

// NewError creates a new TokayError.
func NewError(code, message string) *TokayError {
	return &TokayError{Code: code, Message: message}
}

// NewErrorf creates a new TokayError with a formatted message.
func NewErrorf(code, format string, args ...any) *TokayError {
	return &TokayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *TokayError) WithCause(err error) *TokayError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TokayError) WithDetails(details map[string]any) *TokayError {
	e.Details = details
	return e
}

// CodeOf extracts the error code from err, or "" if err is not a TokayError.
func CodeOf(err error) string {
	var te *TokayError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err is a TokayError with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
