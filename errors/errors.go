// Package errors provides unified error handling for the workflow engine.
// It implements structured error types with error codes, retryable detection,
// and the failure taxonomy the scheduler's retry policy is driven by.
package errors

import (
	"errors"
	"fmt"
)

// AppError is the unified engine error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// CodeOf extracts the ErrorCode from an error chain.
// Returns ErrCodeInternal for errors that are not AppErrors.
func CodeOf(err error) ErrorCode {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether an error in the chain is marked retryable.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// --- Common Error Constructors ---

// Configuration creates a new AppError for a malformed graph or definition.
func Configuration(reason string) *AppError {
	return &AppError{
		Code: ErrCodeConfiguration, Message: reason,
		Retryable: false,
	}
}

// InputNotFound creates a new AppError for a source channel that matched nothing.
func InputNotFound(channel, pattern string) *AppError {
	return &AppError{
		Code: ErrCodeInputNotFound, Message: fmt.Sprintf("source channel %q matched no files for pattern %q", channel, pattern),
		Retryable: false,
		Details:   map[string]any{"channel": channel, "pattern": pattern},
	}
}

// TaskFailed creates a new AppError for a task that exited non-zero.
func TaskFailed(instance string, exitCode int, stderrSummary string) *AppError {
	return &AppError{
		Code: ErrCodeTaskFailed, Message: fmt.Sprintf("task %s exited with code %d", instance, exitCode),
		Retryable: true,
		Details:   map[string]any{"instance": instance, "exit_code": exitCode, "stderr": stderrSummary},
	}
}

// TaskTimeout creates a new AppError for a task that exceeded its timeout.
// Distinct from TaskFailed so operators can tell "ran out of time" from "crashed".
func TaskTimeout(instance string, timeout string) *AppError {
	return &AppError{
		Code: ErrCodeTaskTimeout, Message: fmt.Sprintf("task %s exceeded its timeout of %s", instance, timeout),
		Retryable: true,
		Details:   map[string]any{"instance": instance, "timeout": timeout},
	}
}

// ResourceExhausted creates a new AppError for a request the budget can never fit.
func ResourceExhausted(instance, request, budget string) *AppError {
	return &AppError{
		Code: ErrCodeResourceExhausted, Message: fmt.Sprintf("task %s requests %s which exceeds the total budget %s", instance, request, budget),
		Retryable: false,
		Details:   map[string]any{"instance": instance, "request": request, "budget": budget},
	}
}

// BackendUnavailable creates a new AppError for an unreachable execution backend.
func BackendUnavailable(backend string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeBackendUnavailable, Message: fmt.Sprintf("execution backend %q is unavailable", backend),
		Retryable: true,
		Details:   map[string]any{"backend": backend}, Cause: cause,
	}
}

// Cancelled creates a new AppError for an operator-cancelled run.
func Cancelled(reason string) *AppError {
	if reason == "" {
		reason = "run cancelled"
	}
	return &AppError{
		Code: ErrCodeCancelled, Message: reason,
		Retryable: false,
	}
}

// Internal creates a new AppError for an unexpected engine error.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "an unexpected engine error occurred",
		Retryable: false, Cause: cause,
	}
}
