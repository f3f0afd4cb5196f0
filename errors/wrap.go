package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a BoardError, it wraps it with the new message.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	// If it's already a BoardError, preserve its properties
	var boardErr *Error
	if errors.As(err, &boardErr) {
		wrapped := &Error{
			code:      boardErr.code,
			category:  boardErr.category,
			message:   message,
			cause:     err,
			metadata:  boardErr.Metadata(),
			retryable: boardErr.retryable,
			workerID:  boardErr.workerID,
			taskID:    boardErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Check for context errors
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeUnavailable, message, append(opts, WithCause(err))...)
	}

	// Default to internal error for unknown errors
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsBoardError attempts to extract a BoardError from an error chain.
// Returns nil if no BoardError is found.
func AsBoardError(err error) BoardError {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.Retryable()
	}
	// Default to not retryable for non-BoardErrors
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// IsResource checks if the error is resource-related.
func IsResource(err error) bool {
	return IsCategory(err, CategoryResource)
}

// IsInternal checks if the error is an internal error.
func IsInternal(err error) bool {
	return IsCategory(err, CategoryInternal)
}

// IsContention checks if the error is an expected contention outcome of
// racing on a shared board (lost claim, consumed nonce, outbid fee).
func IsContention(err error) bool {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.code.IsContentionCode()
	}
	return false
}

// IsOrderingConflict checks if the error is a retryable ordering conflict:
// a stale or gapped submission sequence, or an underbid fee. A lost claim
// race is contention but not an ordering conflict.
func IsOrderingConflict(err error) bool {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.code.IsOrderingCode()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not a BoardError.
func Code(err error) ErrorCode {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
// Returns empty string if err is not a BoardError.
func Category(err error) ErrorCategory {
	var boardErr *Error
	if errors.As(err, &boardErr) {
		return boardErr.category
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
// If all errors are nil, returns nil.
// Uses errors.Join from the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
