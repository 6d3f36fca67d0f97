package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Components MUST use these constants instead of hardcoded strings.
const (
	// Validation
	ErrCodeValidationInvalidSchedule  ErrorCode = "validation_invalid_schedule"
	ErrCodeValidationInvalidRecipient ErrorCode = "validation_invalid_recipient"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"

	// Not Found
	ErrCodeNotFoundRecipient ErrorCode = "not_found_recipient"
	ErrCodeNotFoundChannel   ErrorCode = "not_found_channel"
	ErrCodeNotFoundSchedule  ErrorCode = "not_found_schedule"
	ErrCodeNotFoundInstance  ErrorCode = "not_found_instance"

	// Conflict
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictRefresh    ErrorCode = "conflict_refresh_in_progress"

	// Internal/Upstream
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamDispatch    ErrorCode = "upstream_dispatch_failed"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamDirectory   ErrorCode = "upstream_directory_unavailable"
)

// Retryable reports whether an operation that failed with this code may be
// retried as a whole without operator intervention.
func (c ErrorCode) Retryable() bool {
	s := string(c)
	switch {
	case c == ErrCodeConflictConcurrent, c == ErrCodeConflictRefresh:
		return true
	case strings.HasPrefix(s, "upstream_"):
		return true
	case c == ErrCodeInternalDB:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the engine.
// Domain and repository errors are expressed as AppError so callers can branch
// on Code with errors.As while keeping the underlying cause in the chain.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsCode reports whether err is (or wraps) an AppError carrying code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
