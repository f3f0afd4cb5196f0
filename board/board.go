// Package board defines the task-board domain: tasks, identities,
// amounts, the calls that mutate board state, and the Registry
// interface every ledger backend implements.
//
// The board is the single consistency authority. Workers observe it
// by polling and mutate it through nonce-ordered, fee-paying calls;
// the board serializes all agents' claims per task so that the first
// valid claim wins and every later one fails.
package board

import (
	"errors"
	"time"
)

// Sentinel errors forming the board's fixed error surface.
//
// The first group are domain rejections: the call was admitted (its
// nonce and fee were consumed) but the requested transition is not
// legal. The second group are admission rejections: the call never
// landed and consumed nothing.
var (
	// ErrInvalidTaskID indicates the task id is outside [1, taskCount].
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrAlreadyClaimed indicates a rival's claim was ordered first.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrAlreadyCompleted indicates the task already has a result.
	ErrAlreadyCompleted = errors.New("task already completed")

	// ErrNotAssignedWorker indicates the caller does not hold the claim.
	ErrNotAssignedWorker = errors.New("caller is not the assigned worker")

	// ErrNoBalance indicates there is nothing accrued to withdraw.
	ErrNoBalance = errors.New("no balance to withdraw")

	// ErrStaleNonce indicates the call's sequence number was already consumed.
	ErrStaleNonce = errors.New("stale nonce")

	// ErrNonceGap indicates the call's sequence number is ahead of the
	// account's next expected value.
	ErrNonceGap = errors.New("nonce ahead of expected sequence")

	// ErrFeeTooLow indicates the fee bid is below the board's floor.
	ErrFeeTooLow = errors.New("fee bid below current floor")

	// ErrInsufficientFunds indicates spendable funds cannot cover the
	// call's fee plus any escrow it requires.
	ErrInsufficientFunds = errors.New("insufficient spendable funds")

	// ErrInvalidIdentity indicates a call from the unclaimed sentinel.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrClosed indicates the registry has been closed.
	ErrClosed = errors.New("registry closed")
)

// IsOrderingConflict reports whether a call was turned away before
// landing: wrong sequence value or an outbid fee. The caller's nonce
// and fee were not consumed; resync the allocator and retry with
// corrected parameters.
func IsOrderingConflict(err error) bool {
	return errors.Is(err, ErrStaleNonce) ||
		errors.Is(err, ErrNonceGap) ||
		errors.Is(err, ErrFeeTooLow)
}

// TaskID identifies a task. IDs are dense and monotonic starting at 1;
// zero is never a valid id.
type TaskID uint64

// Identity names an account on the board: a requester or a worker.
type Identity string

// Unclaimed is the sentinel worker value of a task nobody holds.
const Unclaimed Identity = ""

// Task is a unit of work recorded on the board. Immutable fields are
// set at creation; mutable fields transition monotonically: worker is
// set exactly once and never reverts, completed flips false to true
// exactly once, result is written exactly once alongside it.
type Task struct {
	// ID is assigned by the registry at creation, 1-based, never reused.
	ID TaskID

	// Requester is the identity that posted the task. Immutable.
	Requester Identity

	// Worker is the claimant's identity, or Unclaimed.
	Worker Identity

	// FuncType names the operation the payload encodes. Opaque to the
	// board; the executor is the only interpreter.
	FuncType string

	// Data is the opaque input payload. Immutable.
	Data []byte

	// Result is the output payload, empty until completion.
	Result []byte

	// Completed reports whether a result has been accepted.
	Completed bool

	// Reward is escrowed at creation and credited to the completing
	// worker's accrued balance atomically with Completed flipping true.
	Reward Amount

	// CreatedAt is when the task was posted.
	CreatedAt time.Time

	// ClaimedAt is when the claim landed, nil while unclaimed.
	ClaimedAt *time.Time

	// CompletedAt is when the result landed, nil until then.
	CompletedAt *time.Time
}

// Claimed reports whether any worker holds the task.
func (t *Task) Claimed() bool {
	return t.Worker != Unclaimed
}

// ClaimableBy reports whether the identity could still win this task:
// nobody holds it and no result has been accepted.
func (t *Task) ClaimableBy(id Identity) bool {
	return !t.Claimed() && !t.Completed && t.Requester != id
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := &Task{
		ID:        t.ID,
		Requester: t.Requester,
		Worker:    t.Worker,
		FuncType:  t.FuncType,
		Completed: t.Completed,
		Reward:    t.Reward,
		CreatedAt: t.CreatedAt,
	}

	if t.Data != nil {
		clone.Data = make([]byte, len(t.Data))
		copy(clone.Data, t.Data)
	}

	if t.Result != nil {
		clone.Result = make([]byte, len(t.Result))
		copy(clone.Result, t.Result)
	}

	if t.ClaimedAt != nil {
		claimed := *t.ClaimedAt
		clone.ClaimedAt = &claimed
	}

	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}

	return clone
}

// Call carries the ordering and pricing context of a state-changing
// registry operation. The board admits a call only when Nonce equals
// the account's next expected sequence value and FeeBid clears the
// floor; an admitted call consumes its nonce and fee even when the
// domain operation itself is rejected.
type Call struct {
	// From is the acting identity.
	From Identity

	// Nonce is the per-identity submission sequence value.
	Nonce uint64

	// FeeBid is the price offered for ordering this call.
	FeeBid Amount
}
