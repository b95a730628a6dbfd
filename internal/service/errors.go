package service

import (
	"errors"
	"fmt"
)

// Error is a structured service error. Every failure surfaced to a
// caller carries a code and enough detail to remediate without guessing:
// the offending field, or the required amount and current balance.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Field names the offending input field for validation errors.
	Field string

	// Required and Balance carry the shortfall for
	// ErrCodeInsufficientCredit.
	Required int64
	Balance  int64

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes service errors.
type ErrorCode string

const (
	// ErrCodeInvalidField marks malformed or out-of-range input,
	// rejected before any state change.
	ErrCodeInvalidField ErrorCode = "INVALID_FIELD"

	// ErrCodeInsufficientCredit is the payment-required class. Never
	// downgraded to a generic failure.
	ErrCodeInsufficientCredit ErrorCode = "INSUFFICIENT_CREDIT"

	// ErrCodeConflict marks deterministic conflict outcomes: idempotency
	// replays with divergent requests, already-closed resources,
	// concurrent losers.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeNotFound marks a missing entity.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeIntegrity marks hash or signature mismatches. Always fatal
	// to the operation, never partially trusted.
	ErrCodeIntegrity ErrorCode = "INTEGRITY"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Code == ErrCodeInsufficientCredit:
		return fmt.Sprintf("%s: %s (required=%d, balance=%d)", e.Code, e.Message, e.Required, e.Balance)
	case e.Field != "":
		return fmt.Sprintf("%s: field %s: %s", e.Code, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func invalidField(field, format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidField, Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

func integrity(format string, args ...any) *Error {
	return &Error{Code: ErrCodeIntegrity, Message: fmt.Sprintf(format, args...)}
}

// IsInsufficientCredit reports whether err is the payment-required
// class. Uses errors.As to handle wrapped errors.
func IsInsufficientCredit(err error) bool {
	return hasCode(err, ErrCodeInsufficientCredit)
}

// IsConflict reports whether err is a deterministic conflict outcome.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsIntegrity reports whether err is a hash or signature mismatch.
func IsIntegrity(err error) bool {
	return hasCode(err, ErrCodeIntegrity)
}

// IsInvalidField reports whether err is a validation rejection.
func IsInvalidField(err error) bool {
	return hasCode(err, ErrCodeInvalidField)
}

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
