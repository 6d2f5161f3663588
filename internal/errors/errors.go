// Package errors defines the structured error taxonomy shared by the verifyq
// queue subsystem.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed input to an enqueue/assign operation.
	// Surfaced immediately to the caller; never retried.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeCapacityExceeded indicates the batch concurrency ceiling is reached.
	// A scheduling signal, not a user-visible failure; callers retry later.
	ErrCodeCapacityExceeded ErrorCode = "capacity_exceeded"
	// ErrCodeRateLimited indicates the external API budget is exhausted for the
	// current window. Carries a suggested retry timestamp.
	ErrCodeRateLimited ErrorCode = "rate_limited"
	// ErrCodeTransientAPI indicates a network error or 5xx from the external API.
	// Retried with exponential backoff up to a bounded attempt count.
	ErrCodeTransientAPI ErrorCode = "transient_api"
	// ErrCodePermanentAPI indicates a 4xx validation-type rejection from the
	// external API. Never retried.
	ErrCodePermanentAPI ErrorCode = "permanent_api"
	// ErrCodeStorage indicates the backing store is unreachable. The system
	// fails closed: no assignment, no rate-limit grant.
	ErrCodeStorage ErrorCode = "storage"
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data (e.g., unique constraint violation).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and
// optional cause. It supports error wrapping and unwrapping for use with
// errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// Field is the specific field that caused the error (optional, for validation errors)
	Field string
	// RetryAt is the suggested retry time (set for rate_limited errors)
	RetryAt time.Time
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// CapacityExceeded creates a new CapacityExceeded error.
func CapacityExceeded(message string) *AppError {
	return &AppError{Code: ErrCodeCapacityExceeded, Message: message}
}

// RateLimited creates a new RateLimited error carrying the suggested retry time.
func RateLimited(message string, retryAt time.Time) *AppError {
	return &AppError{Code: ErrCodeRateLimited, Message: message, RetryAt: retryAt}
}

// TransientAPI wraps a retryable external API failure.
func TransientAPI(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeTransientAPI, Message: message, Cause: cause}
}

// PermanentAPI wraps a non-retryable external API rejection.
func PermanentAPI(message string, cause error) *AppError {
	return &AppError{Code: ErrCodePermanentAPI, Message: message, Cause: cause}
}

// Storage wraps a backing-store failure.
func Storage(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeStorage, Message: message, Cause: cause}
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Internalf creates a new Internal error with formatted message.
func Internalf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}

// IsCapacityExceeded checks if an error is a CapacityExceeded error.
func IsCapacityExceeded(err error) bool {
	return isCode(err, ErrCodeCapacityExceeded)
}

// IsRateLimited checks if an error is a RateLimited error.
func IsRateLimited(err error) bool {
	return isCode(err, ErrCodeRateLimited)
}

// IsTransientAPI checks if an error is a TransientAPI error.
func IsTransientAPI(err error) bool {
	return isCode(err, ErrCodeTransientAPI)
}

// IsPermanentAPI checks if an error is a PermanentAPI error.
func IsPermanentAPI(err error) bool {
	return isCode(err, ErrCodePermanentAPI)
}

// IsStorage checks if an error is a Storage error.
func IsStorage(err error) bool {
	return isCode(err, ErrCodeStorage)
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return isCode(err, ErrCodeConflict)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// RetryAt returns the suggested retry time from a rate-limited error, or the
// zero time when the error carries none.
func RetryAt(err error) time.Time {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAt
	}
	return time.Time{}
}
