package board

import "context"

// Registry is the shared, append-only task ledger: the single source
// of truth all agents observe by polling. Implementations serialize
// each task's claim transition atomically so that exactly one claim
// ever succeeds, and keep per-identity nonce and balance accounting
// consistent with the call admission rules described on Call.
//
// State-changing operations take a Call; read operations take none
// and consume nothing. There is no claim release or expiry: a task
// claimed by a worker that never submits stays assigned forever.
type Registry interface {
	// SubmitTask creates a task, escrowing reward from the caller's
	// spendable funds on top of the call fee. Returns the new dense id.
	SubmitTask(ctx context.Context, call Call, funcType string, data []byte, reward Amount) (TaskID, error)

	// ClaimTask assigns the task to the caller. Fails with
	// ErrInvalidTaskID if the id is out of range, ErrAlreadyClaimed if
	// a rival's claim was ordered first, ErrAlreadyCompleted if a
	// result was already accepted.
	ClaimTask(ctx context.Context, call Call, id TaskID) error

	// SubmitResult records the task's result, flips Completed, and
	// credits the escrowed reward to the caller's accrued balance, all
	// atomically. Fails with ErrInvalidTaskID, ErrNotAssignedWorker if
	// the caller does not hold the claim, or ErrAlreadyCompleted.
	SubmitResult(ctx context.Context, call Call, id TaskID, result []byte) error

	// WithdrawBalance moves the caller's entire accrued balance into
	// spendable funds and zeroes it, never partially. Fails with
	// ErrNoBalance when nothing has accrued. Returns the amount moved.
	WithdrawBalance(ctx context.Context, call Call) (Amount, error)

	// GetTask returns a read-only snapshot of one task.
	GetTask(ctx context.Context, id TaskID) (*Task, error)

	// GetLatestTasks returns up to count of the most recent tasks in
	// ascending id order, fewer when count exceeds the total.
	GetLatestTasks(ctx context.Context, count int) ([]*Task, error)

	// TaskCount returns the total number of tasks ever created.
	TaskCount(ctx context.Context) (uint64, error)

	// Balance returns the identity's accrued, not-yet-withdrawn rewards.
	Balance(ctx context.Context, id Identity) (Amount, error)

	// SpendableFunds returns the identity's fee-and-escrow-paying funds.
	SpendableFunds(ctx context.Context, id Identity) (Amount, error)

	// AccountNonce returns the identity's next expected sequence value.
	// Agents seed their local allocator from this at startup and reset
	// to it on resync.
	AccountNonce(ctx context.Context, id Identity) (uint64, error)

	// SuggestedFee returns the current competitive bid: the floor a
	// call must clear to be admitted.
	SuggestedFee(ctx context.Context) (Amount, error)

	// Fund credits spendable funds to an identity. This is the
	// out-of-band faucet for bootstrapping agents, not a board
	// operation: it takes no Call and consumes nothing.
	Fund(ctx context.Context, id Identity, amount Amount) error

	// Close releases resources held by the registry.
	Close() error
}
