package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: stale submission sequence, outbid fee, network timeouts.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: task already claimed by a rival, invalid task id, bad input.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	// Examples: spendable funds too low to cover a fee bid.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: recovered panics, invariant violations, corrupted state.
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

// Error codes for failure scenarios across the board protocol.
const (
	// Contention errors: expected outcomes of racing on a shared board.
	ErrCodeAlreadyClaimed   ErrorCode = "ALREADY_CLAIMED"   // Rival claimed the task first
	ErrCodeAlreadyCompleted ErrorCode = "ALREADY_COMPLETED" // Task already has a result
	ErrCodeStaleNonce       ErrorCode = "STALE_NONCE"       // Submission sequence already consumed
	ErrCodeNonceGap         ErrorCode = "NONCE_GAP"         // Submission sequence ahead of expected
	ErrCodeFeeTooLow        ErrorCode = "FEE_TOO_LOW"       // Fee bid below the current floor

	// Resource errors
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS" // Spendable funds cannot cover the call
	ErrCodeNoBalance         ErrorCode = "NO_BALANCE"         // Nothing accrued to withdraw

	// Execution errors: fatal for the affected task only.
	ErrCodeExecTimeout   ErrorCode = "EXEC_TIMEOUT"   // Task computation exceeded its deadline
	ErrCodeExecFailed    ErrorCode = "EXEC_FAILED"    // Task computation failed
	ErrCodeUnsupportedOp ErrorCode = "UNSUPPORTED_OP" // Function type not in the dispatch table

	// Board surface errors
	ErrCodeInvalidTask ErrorCode = "INVALID_TASK" // Task id outside [1, taskCount]
	ErrCodeNotAssigned ErrorCode = "NOT_ASSIGNED" // Caller is not the assigned worker
	ErrCodeClosed      ErrorCode = "CLOSED"       // Component already closed

	// Transient infrastructure errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Backend temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Network connectivity issue

	// Programming and internal errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed operand or argument
	ErrCodeInternal     ErrorCode = "INTERNAL"      // Unexpected internal error
	ErrCodeAssertion    ErrorCode = "ASSERTION"     // Invariant violation
	ErrCodePanic        ErrorCode = "PANIC"         // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	// Transient: worth retrying after a resync or a fee bump.
	case ErrCodeStaleNonce, ErrCodeNonceGap, ErrCodeFeeTooLow,
		ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr:
		return CategoryTransient

	// Permanent: the outcome is settled, retrying changes nothing.
	case ErrCodeAlreadyClaimed, ErrCodeAlreadyCompleted, ErrCodeInvalidTask,
		ErrCodeNotAssigned, ErrCodeNoBalance, ErrCodeClosed,
		ErrCodeExecTimeout, ErrCodeExecFailed, ErrCodeUnsupportedOp,
		ErrCodeInvalidInput:
		return CategoryPermanent

	// Resource
	case ErrCodeInsufficientFunds:
		return CategoryResource

	// Internal
	case ErrCodeInternal, ErrCodeAssertion, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// contentionCodes are the expected outcomes of multiple workers racing on
// one board. They are logged at reduced severity and never kill the loop.
var contentionCodes = map[ErrorCode]bool{
	ErrCodeAlreadyClaimed:   true,
	ErrCodeAlreadyCompleted: true,
	ErrCodeStaleNonce:       true,
	ErrCodeNonceGap:         true,
	ErrCodeFeeTooLow:        true,
}

// IsContentionCode reports whether the code is an expected contention outcome.
func (c ErrorCode) IsContentionCode() bool {
	return contentionCodes[c]
}

// orderingCodes are the contention subset that a caller may retry after
// resyncing its sequence and raising its bid. A lost race is not among them.
var orderingCodes = map[ErrorCode]bool{
	ErrCodeStaleNonce: true,
	ErrCodeNonceGap:   true,
	ErrCodeFeeTooLow:  true,
}

// IsOrderingCode reports whether the code is a retryable ordering conflict.
func (c ErrorCode) IsOrderingCode() bool {
	return orderingCodes[c]
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeAlreadyClaimed:    "task already claimed",
	ErrCodeAlreadyCompleted:  "task already completed",
	ErrCodeStaleNonce:        "submission sequence already consumed",
	ErrCodeNonceGap:          "submission sequence ahead of expected",
	ErrCodeFeeTooLow:         "fee bid below current floor",
	ErrCodeInsufficientFunds: "insufficient spendable funds",
	ErrCodeNoBalance:         "no accrued balance to withdraw",
	ErrCodeExecTimeout:       "task execution timed out",
	ErrCodeExecFailed:        "task execution failed",
	ErrCodeUnsupportedOp:     "unsupported function type",
	ErrCodeInvalidTask:       "invalid task id",
	ErrCodeNotAssigned:       "caller is not the assigned worker",
	ErrCodeClosed:            "already closed",
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "backend temporarily unavailable",
	ErrCodeNetworkErr:        "network connectivity error",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeInternal:          "internal error",
	ErrCodeAssertion:         "assertion failed",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
