package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// BoardError is the interface for all structured errors in boardkit.
// It extends the standard error interface with the context the worker
// loop needs for retry and logging decisions.
type BoardError interface {
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

// Error is the concrete implementation of BoardError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	workerID  string // identity involved, if applicable
	taskID    uint64 // related board task, 0 if none
}

// Ensure Error implements BoardError and json.Marshaler/Unmarshaler.
var (
	_ BoardError       = (*Error)(nil)
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

// Metadata returns the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	// Return a copy to prevent modification
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

// WorkerID returns the identity involved, if set.
func (e *Error) WorkerID() string {
	return e.workerID
}

// TaskID returns the related board task id, 0 if none.
func (e *Error) TaskID() uint64 {
	return e.taskID
}

// errorJSON is the JSON representation of an Error.
type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	TaskID    uint64            `json:"task_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		WorkerID:  e.workerID,
		TaskID:    e.taskID,
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
	e.workerID = j.WorkerID
	e.taskID = j.TaskID
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

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

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

// WithMetadataMap adds multiple metadata key-value pairs.
func WithMetadataMap(m map[string]string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		for k, v := range m {
			e.metadata[k] = v
		}
	}
}

// WithWorkerID sets the identity involved.
func WithWorkerID(id string) Option {
	return func(e *Error) {
		e.workerID = id
	}
}

// WithTaskID sets the related board task id.
func WithTaskID(id uint64) Option {
	return func(e *Error) {
		e.taskID = id
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

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// AlreadyClaimed creates a lost-race error for a task.
func AlreadyClaimed(taskID uint64, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeAlreadyClaimed, fmt.Sprintf("task %d already claimed", taskID), opts...)
}

// StaleNonce creates an ordering-conflict error for a consumed sequence value.
func StaleNonce(got, want uint64, opts ...Option) *Error {
	opts = append([]Option{
		WithMetadata("got", fmt.Sprintf("%d", got)),
		WithMetadata("want", fmt.Sprintf("%d", want)),
	}, opts...)
	return New(ErrCodeStaleNonce, fmt.Sprintf("stale nonce %d, expected %d", got, want), opts...)
}

// FeeTooLow creates an underbid error.
func FeeTooLow(bid, floor string, opts ...Option) *Error {
	return New(ErrCodeFeeTooLow, fmt.Sprintf("fee bid %s below floor %s", bid, floor), opts...)
}

// InsufficientFunds creates a resource error for an underfunded call.
func InsufficientFunds(message string, opts ...Option) *Error {
	return New(ErrCodeInsufficientFunds, message, opts...)
}

// ExecTimeout creates an execution-deadline error for a task.
func ExecTimeout(taskID uint64, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeExecTimeout, fmt.Sprintf("task %d execution timed out", taskID), opts...)
}

// ExecFailed creates an execution-failure error for a task.
func ExecFailed(taskID uint64, reason string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeExecFailed, fmt.Sprintf("task %d execution failed: %s", taskID, reason), opts...)
}

// UnsupportedOp creates a dispatch error for an unknown function type.
func UnsupportedOp(funcType string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("func_type", funcType)}, opts...)
	return New(ErrCodeUnsupportedOp, fmt.Sprintf("unsupported function type %q", funcType), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// Unavailable creates a transient infrastructure error.
func Unavailable(message string, opts ...Option) *Error {
	return New(ErrCodeUnavailable, message, opts...)
}
