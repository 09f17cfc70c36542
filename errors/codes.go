package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: call timeouts, a dropped connection, a worker that exited mid-call.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: the server rejected the call, supervisor misuse.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or quota issues.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or malformed data.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for session, worker and supervisor failures.
const (
	// Session transport
	ErrCodeNotConnected      ErrorCode = "NOT_CONNECTED"      // No live connection for the call
	ErrCodeConnectionLost    ErrorCode = "CONNECTION_LOST"    // Connection dropped while the call was pending
	ErrCodeTimeout           ErrorCode = "TIMEOUT"            // No response within the call timeout
	ErrCodeRemote            ErrorCode = "REMOTE_ERROR"       // Server answered with an error code
	ErrCodeDecode            ErrorCode = "DECODE_ERROR"       // Malformed inbound frame
	ErrCodeHeartbeatDegraded ErrorCode = "HEARTBEAT_DEGRADED" // Consecutive heartbeat windows missed

	// Worker lifecycle
	ErrCodeWorkerExited   ErrorCode = "WORKER_EXITED"   // Worker exited with the call outstanding
	ErrCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING" // Worker already exists for the account
	ErrCodeNotRunning     ErrorCode = "NOT_RUNNING"     // No worker for the account

	// Generic
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Caller gave up
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed or invalid input
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"   // Unknown method or operation
	ErrCodeRateLimit    ErrorCode = "RATE_LIMITED"  // Local pacing refused the call
	ErrCodeInternal     ErrorCode = "INTERNAL"      // Unexpected internal error
	ErrCodePanic        ErrorCode = "PANIC"         // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeNotConnected, ErrCodeConnectionLost, ErrCodeTimeout,
		ErrCodeHeartbeatDegraded, ErrCodeWorkerExited:
		return CategoryTransient

	case ErrCodeRemote, ErrCodeAlreadyRunning, ErrCodeNotRunning,
		ErrCodeCanceled, ErrCodeInvalidInput, ErrCodeUnsupported:
		return CategoryPermanent

	case ErrCodeRateLimit:
		return CategoryResource

	case ErrCodeDecode, ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeNotConnected:      "session is not connected",
	ErrCodeConnectionLost:    "connection lost",
	ErrCodeTimeout:           "call timed out",
	ErrCodeRemote:            "server rejected the call",
	ErrCodeDecode:            "malformed frame",
	ErrCodeHeartbeatDegraded: "heartbeat degraded",
	ErrCodeWorkerExited:      "worker exited",
	ErrCodeAlreadyRunning:    "worker already running",
	ErrCodeNotRunning:        "worker not running",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeInvalidInput:      "invalid input",
	ErrCodeUnsupported:       "operation not supported",
	ErrCodeRateLimit:         "rate limit exceeded",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description of the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
