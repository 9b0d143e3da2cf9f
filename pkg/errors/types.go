// Package errors provides structured errors with stable codes for the
// validation and execution pipeline. Codes are part of the API surface:
// transport adapters map them to wire responses and the audit sink
// records them verbatim.
package errors

import (
	"fmt"
	"strings"
)

// ErrorCode identifies a failure class.
type ErrorCode string

const (
	// Validation failures, returned synchronously from Submit.
	ErrCodeInvalidCommand     ErrorCode = "INVALID_COMMAND"
	ErrCodeCommandNotAllowed  ErrorCode = "COMMAND_NOT_ALLOWED"
	ErrCodePermissionDenied   ErrorCode = "INSUFFICIENT_PERMISSIONS"
	ErrCodeSecurityViolation  ErrorCode = "SECURITY_VIOLATION"

	// Capacity failures.
	ErrCodeSystemOverload ErrorCode = "SYSTEM_OVERLOAD"

	// Execution-time failures, surfaced through terminal task states.
	ErrCodeCommandTimeout ErrorCode = "COMMAND_TIMEOUT"
	ErrCodeExecution      ErrorCode = "EXECUTION_FAILED"

	// Registry lookups.
	ErrCodeTaskNotFound ErrorCode = "TASK_NOT_FOUND"

	// Everything else.
	ErrCodeConfig   ErrorCode = "CONFIG_INVALID"
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error is a structured Warden error.
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

// New creates a new structured error.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with Warden error context.
// Returns nil if err is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds a context key-value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable by the caller.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error carries a specific error code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	wardenErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return wardenErr.Code == code
}

// GetCode extracts the error code from an error.
// Non-Warden errors report ErrCodeInternal.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	wardenErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}
	return wardenErr.Code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	wardenErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return wardenErr.Retryable
}
