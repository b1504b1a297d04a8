package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Build-time errors. These abort the run before any task dispatches.
const (
	// ErrCodeConfiguration indicates a malformed graph or invalid definition
	// (cycle, dangling channel reference, bad resource string).
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	// ErrCodeInputNotFound indicates a source channel matched no input files.
	ErrCodeInputNotFound ErrorCode = "INPUT_NOT_FOUND"
)

// Execution errors. Local to a single task instance.
const (
	// ErrCodeTaskFailed indicates a task exited with a non-zero status.
	ErrCodeTaskFailed ErrorCode = "TASK_EXECUTION_FAILED"
	// ErrCodeTaskTimeout indicates a task exceeded its declared timeout.
	ErrCodeTaskTimeout ErrorCode = "TASK_TIMEOUT"
	// ErrCodeResourceExhausted indicates a task requested more than the
	// configured budget can ever satisfy.
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
)

// Infrastructure errors.
const (
	// ErrCodeBackendUnavailable indicates the execution backend cannot be reached.
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	// ErrCodeCancelled indicates the run was cancelled by the operator.
	ErrCodeCancelled ErrorCode = "CANCELLED"
	// ErrCodeInternal indicates an unexpected engine error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeTaskFailed:         true,
	ErrCodeTaskTimeout:        true,
	ErrCodeBackendUnavailable: true,
	ErrCodeConfiguration:      false,
	ErrCodeInputNotFound:      false,
	ErrCodeResourceExhausted:  false,
	ErrCodeCancelled:          false,
	ErrCodeInternal:           false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
