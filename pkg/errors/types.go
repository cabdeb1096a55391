// Package errors defines the structured error taxonomy shared by the
// execution, registry, and device-authorization layers.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Execution adapter errors
	ErrCodeLaunchFailure  ErrorCode = "LAUNCH_FAILURE"
	ErrCodeRuntimeFailure ErrorCode = "RUNTIME_FAILURE"
	ErrCodeCancelled      ErrorCode = "CANCELLED"
	ErrCodeConfigFailure  ErrorCode = "CONFIG_FAILURE"

	// Request registry errors
	ErrCodeConflict ErrorCode = "CONFLICT"
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Device authorization errors
	ErrCodeInvalidCode  ErrorCode = "INVALID_CODE"
	ErrCodeExpired      ErrorCode = "EXPIRED"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeStorage      ErrorCode = "STORAGE"
)

// Error represents a structured deckhand error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Retryable   bool
	UserMessage string
	Remediation []string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with deckhand error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
	}
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation appends actionable remediation tips for the error.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = append([]string{}, tips...)
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var dhErr *Error
	if !errors.As(err, &dhErr) {
		return false
	}
	return dhErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var dhErr *Error
	if !errors.As(err, &dhErr) {
		return ErrCodeInternal
	}
	return dhErr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var dhErr *Error
	if !errors.As(err, &dhErr) {
		return false
	}
	return dhErr.Retryable
}
