package errors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CodedError is the interface for all structured errors in farmkit.
// It extends the standard error interface with the context the session,
// worker and supervisor layers use to decide whether to retry.
type CodedError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of CodedError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	account   string // managed account, if applicable
	method    string // remote or api method, if applicable
}

var (
	_ CodedError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Account returns the managed account the error relates to, if set.
func (e *Error) Account() string {
	return e.account
}

// Method returns the remote or api method the error relates to, if set.
func (e *Error) Method() string {
	return e.method
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	Account   string            `json:"account,omitempty"`
	Method    string            `json:"method,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Account:   e.account,
		Method:    e.method,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.account = j.Account
	e.method = j.Method
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAccount sets the managed account.
func WithAccount(id string) Option {
	return func(e *Error) {
		e.account = id
	}
}

// WithMethod sets the remote or api method.
func WithMethod(method string) Option {
	return func(e *Error) {
		e.method = method
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// NotConnected creates the error returned by calls made without a live connection.
func NotConnected(opts ...Option) *Error {
	return FromCode(ErrCodeNotConnected, opts...)
}

// ConnectionLost creates the error used to reject calls pending on a dead connection.
func ConnectionLost(reason string, opts ...Option) *Error {
	msg := ErrCodeConnectionLost.Description()
	if reason != "" {
		msg += ": " + reason
	}
	return New(ErrCodeConnectionLost, msg, opts...)
}

// Timeout creates a call timeout error. pending is the number of calls still
// outstanding on the session when this one gave up.
func Timeout(message string, pending int, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("pending", strconv.Itoa(pending))}, opts...)
	return New(ErrCodeTimeout, message, opts...)
}

// Remote creates an error for a call the server answered with an error code.
func Remote(code int64, message string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("remote_code", strconv.FormatInt(code, 10))}, opts...)
	if message == "" {
		message = ErrCodeRemote.Description()
	}
	return New(ErrCodeRemote, fmt.Sprintf("remote error %d: %s", code, message), opts...)
}

// Decode creates an error for a frame that could not be decoded.
func Decode(cause error, opts ...Option) *Error {
	return New(ErrCodeDecode, ErrCodeDecode.Description(), append(opts, WithCause(cause))...)
}

// HeartbeatDegraded creates the error recorded when heartbeat windows are missed.
func HeartbeatDegraded(misses int, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("misses", strconv.Itoa(misses))}, opts...)
	return New(ErrCodeHeartbeatDegraded, fmt.Sprintf("heartbeat degraded after %d missed windows", misses), opts...)
}

// WorkerExited creates the error used to reject control calls orphaned by a worker exit.
func WorkerExited(account string, opts ...Option) *Error {
	opts = append([]Option{WithAccount(account)}, opts...)
	return New(ErrCodeWorkerExited, fmt.Sprintf("worker %s exited", account), opts...)
}

// AlreadyRunning creates the error returned when starting a worker twice.
func AlreadyRunning(account string, opts ...Option) *Error {
	opts = append([]Option{WithAccount(account)}, opts...)
	return New(ErrCodeAlreadyRunning, fmt.Sprintf("worker %s already running", account), opts...)
}

// NotRunning creates the error returned when addressing a worker that does not exist.
func NotRunning(account string, opts ...Option) *Error {
	opts = append([]Option{WithAccount(account)}, opts...)
	return New(ErrCodeNotRunning, fmt.Sprintf("worker %s not running", account), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Unsupported creates an error for an unknown method or operation.
func Unsupported(method string, opts ...Option) *Error {
	opts = append([]Option{WithMethod(method)}, opts...)
	return New(ErrCodeUnsupported, fmt.Sprintf("unsupported method %q", method), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
