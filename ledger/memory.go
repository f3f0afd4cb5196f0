package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/notify"
)

// account tracks one identity's funds and submission sequence.
type account struct {
	spendable board.Amount
	accrued   board.Amount
	nextNonce uint64
}

// MemoryLedger implements board.Registry with in-process state.
// One mutex serializes all state transitions, which makes it the
// reference arbiter for claim races within a single process and the
// backend the conformance suite is written against.
type MemoryLedger struct {
	config Config

	mu       sync.RWMutex
	tasks    []*board.Task // index i holds id i+1; ids are dense from 1
	accounts map[board.Identity]*account
	closed   atomic.Bool
}

var _ board.Registry = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory board.
func NewMemoryLedger(cfg Config) *MemoryLedger {
	return &MemoryLedger{
		config:   cfg.normalize(),
		accounts: make(map[board.Identity]*account),
	}
}

// account returns the identity's account, creating it on first touch.
// Caller must hold mu.
func (l *MemoryLedger) account(id board.Identity) *account {
	acct, ok := l.accounts[id]
	if !ok {
		acct = &account{}
		l.accounts[id] = acct
	}
	return acct
}

// admit validates a call's ordering and pricing and, when everything
// clears, consumes its nonce and fee plus any escrow. A call rejected
// here never landed: nothing is consumed. Caller must hold mu.
func (l *MemoryLedger) admit(call board.Call, escrow board.Amount) error {
	if call.From == board.Unclaimed {
		return board.ErrInvalidIdentity
	}

	acct := l.account(call.From)
	if call.Nonce < acct.nextNonce {
		return board.ErrStaleNonce
	}
	if call.Nonce > acct.nextNonce {
		return board.ErrNonceGap
	}
	if call.FeeBid < l.config.BaseFee {
		return board.ErrFeeTooLow
	}
	need := call.FeeBid + escrow
	if acct.spendable < need {
		return board.ErrInsufficientFunds
	}

	acct.nextNonce++
	acct.spendable -= need
	return nil
}

// taskByID resolves a dense id. Caller must hold mu (read or write).
func (l *MemoryLedger) taskByID(id board.TaskID) (*board.Task, bool) {
	if id < 1 || uint64(id) > uint64(len(l.tasks)) {
		return nil, false
	}
	return l.tasks[id-1], true
}

// SubmitTask creates a task and escrows its reward.
func (l *MemoryLedger) SubmitTask(ctx context.Context, call board.Call, funcType string, data []byte, reward board.Amount) (board.TaskID, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.admit(call, reward); err != nil {
		return 0, err
	}

	task := &board.Task{
		ID:        board.TaskID(len(l.tasks) + 1),
		Requester: call.From,
		FuncType:  funcType,
		Reward:    reward,
		CreatedAt: time.Now(),
	}
	if data != nil {
		task.Data = make([]byte, len(data))
		copy(task.Data, data)
	}
	l.tasks = append(l.tasks, task)

	l.config.publish(notify.TaskCreated(task))
	return task.ID, nil
}

// ClaimTask assigns the task to the caller; the first admitted claim
// wins and every later one fails with ErrAlreadyClaimed.
func (l *MemoryLedger) ClaimTask(ctx context.Context, call board.Call, id board.TaskID) error {
	if l.closed.Load() {
		return board.ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.admit(call, 0); err != nil {
		return err
	}

	task, ok := l.taskByID(id)
	if !ok {
		return board.ErrInvalidTaskID
	}
	if task.Claimed() {
		return board.ErrAlreadyClaimed
	}
	if task.Completed {
		return board.ErrAlreadyCompleted
	}

	now := time.Now()
	task.Worker = call.From
	task.ClaimedAt = &now

	l.config.publish(notify.TaskClaimed(id, call.From))
	return nil
}

// SubmitResult records the result and credits the escrowed reward to
// the caller's accrued balance atomically with Completed flipping.
func (l *MemoryLedger) SubmitResult(ctx context.Context, call board.Call, id board.TaskID, result []byte) error {
	if l.closed.Load() {
		return board.ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.admit(call, 0); err != nil {
		return err
	}

	task, ok := l.taskByID(id)
	if !ok {
		return board.ErrInvalidTaskID
	}
	if task.Worker != call.From {
		return board.ErrNotAssignedWorker
	}
	if task.Completed {
		return board.ErrAlreadyCompleted
	}

	now := time.Now()
	task.Completed = true
	task.CompletedAt = &now
	if result != nil {
		task.Result = make([]byte, len(result))
		copy(task.Result, result)
	}
	l.account(call.From).accrued += task.Reward

	l.config.publish(notify.TaskCompleted(id, call.From, task.Reward))
	return nil
}

// WithdrawBalance moves the caller's accrued rewards into spendable
// funds, zeroing the accrual. Never partial.
func (l *MemoryLedger) WithdrawBalance(ctx context.Context, call board.Call) (board.Amount, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.admit(call, 0); err != nil {
		return 0, err
	}

	acct := l.account(call.From)
	if acct.accrued == 0 {
		return 0, board.ErrNoBalance
	}

	amount := acct.accrued
	acct.accrued = 0
	acct.spendable += amount
	return amount, nil
}

// GetTask returns a snapshot of one task.
func (l *MemoryLedger) GetTask(ctx context.Context, id board.TaskID) (*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	task, ok := l.taskByID(id)
	if !ok {
		return nil, board.ErrInvalidTaskID
	}
	return task.Clone(), nil
}

// GetLatestTasks returns the suffix window of up to count tasks in
// ascending id order.
func (l *MemoryLedger) GetLatestTasks(ctx context.Context, count int) ([]*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}
	if count <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if len(l.tasks) > count {
		start = len(l.tasks) - count
	}

	window := make([]*board.Task, 0, len(l.tasks)-start)
	for _, task := range l.tasks[start:] {
		window = append(window, task.Clone())
	}
	return window, nil
}

// TaskCount returns the number of tasks ever created.
func (l *MemoryLedger) TaskCount(ctx context.Context) (uint64, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.tasks)), nil
}

// Balance returns the identity's accrued rewards.
func (l *MemoryLedger) Balance(ctx context.Context, id board.Identity) (board.Amount, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[id]; ok {
		return acct.accrued, nil
	}
	return 0, nil
}

// SpendableFunds returns the identity's fee-paying funds.
func (l *MemoryLedger) SpendableFunds(ctx context.Context, id board.Identity) (board.Amount, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[id]; ok {
		return acct.spendable, nil
	}
	return 0, nil
}

// AccountNonce returns the identity's next expected sequence value.
func (l *MemoryLedger) AccountNonce(ctx context.Context, id board.Identity) (uint64, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[id]; ok {
		return acct.nextNonce, nil
	}
	return 0, nil
}

// SuggestedFee returns the current fee floor.
func (l *MemoryLedger) SuggestedFee(ctx context.Context) (board.Amount, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}
	return l.config.BaseFee, nil
}

// Fund credits spendable funds out-of-band.
func (l *MemoryLedger) Fund(ctx context.Context, id board.Identity, amount board.Amount) error {
	if l.closed.Load() {
		return board.ErrClosed
	}
	if id == board.Unclaimed {
		return board.ErrInvalidIdentity
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(id).spendable += amount
	return nil
}

// Close marks the ledger closed. Further calls fail with ErrClosed.
func (l *MemoryLedger) Close() error {
	l.closed.Store(true)
	return nil
}
