package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/notify"

	bolt "go.etcd.io/bbolt"
)

var (
	boltTasksBucket    = []byte("tasks")
	boltAccountsBucket = []byte("accounts")
)

// BoltLedger implements board.Registry on a bbolt file. Update
// transactions are serializable, so admission and the domain operation
// commit as one unit without any further locking.
type BoltLedger struct {
	config Config
	db     *bolt.DB
	closed atomic.Bool
}

var _ board.Registry = (*BoltLedger)(nil)

// boltAccount is the stored form of one identity's funds and sequence.
type boltAccount struct {
	Spendable board.Amount `json:"spendable"`
	Accrued   board.Amount `json:"accrued"`
	NextNonce uint64       `json:"next_nonce"`
}

// NewBoltLedger opens (or creates) the board database at path.
func NewBoltLedger(path string, cfg Config) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open board db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltTasksBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltAccountsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init board db: %w", err)
	}

	return &BoltLedger{config: cfg.normalize(), db: db}, nil
}

// itob encodes a task id as a sortable 8-byte key.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func loadBoltAccount(b *bolt.Bucket, id board.Identity) (*boltAccount, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return &boltAccount{}, nil
	}
	var acct boltAccount
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return &acct, nil
}

func storeBoltAccount(b *bolt.Bucket, id board.Identity, acct *boltAccount) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func loadBoltTask(b *bolt.Bucket, id board.TaskID) (*board.Task, error) {
	data := b.Get(itob(uint64(id)))
	if data == nil {
		return nil, board.ErrInvalidTaskID
	}
	var task board.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return &task, nil
}

func storeBoltTask(b *bolt.Bucket, task *board.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put(itob(uint64(task.ID)), data)
}

// admit mirrors the admission sequence of every backend. Caller must be
// inside an update transaction.
func (l *BoltLedger) admit(tx *bolt.Tx, call board.Call, escrow board.Amount) error {
	b := tx.Bucket(boltAccountsBucket)
	acct, err := loadBoltAccount(b, call.From)
	if err != nil {
		return err
	}

	if call.Nonce < acct.NextNonce {
		return board.ErrStaleNonce
	}
	if call.Nonce > acct.NextNonce {
		return board.ErrNonceGap
	}
	if call.FeeBid < l.config.BaseFee {
		return board.ErrFeeTooLow
	}
	need := call.FeeBid + escrow
	if acct.Spendable < need {
		return board.ErrInsufficientFunds
	}

	acct.NextNonce++
	acct.Spendable -= need
	return storeBoltAccount(b, call.From, acct)
}

// call runs one state-changing call inside a single update transaction.
// Domain reverts commit anyway so the consumed nonce and fee stick;
// admission rejections abort the transaction and consume nothing.
func (l *BoltLedger) call(call board.Call, escrow board.Amount, fn func(tx *bolt.Tx) error) error {
	if l.closed.Load() {
		return board.ErrClosed
	}
	if call.From == board.Unclaimed {
		return board.ErrInvalidIdentity
	}

	var revert error
	err := l.db.Update(func(tx *bolt.Tx) error {
		revert = nil
		if err := l.admit(tx, call, escrow); err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if !isRevert(err) {
				return err
			}
			revert = err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return revert
}

// SubmitTask creates a task and escrows its reward.
func (l *BoltLedger) SubmitTask(ctx context.Context, call board.Call, funcType string, data []byte, reward board.Amount) (board.TaskID, error) {
	var task *board.Task
	err := l.call(call, reward, func(tx *bolt.Tx) error {
		b := tx.Bucket(boltTasksBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		task = &board.Task{
			ID:        board.TaskID(seq),
			Requester: call.From,
			FuncType:  funcType,
			Data:      data,
			Reward:    reward,
			CreatedAt: time.Now().UTC(),
		}
		return storeBoltTask(b, task)
	})
	if err != nil {
		return 0, err
	}

	l.config.publish(notify.TaskCreated(task))
	return task.ID, nil
}

// ClaimTask assigns the task to the caller if it is still open.
func (l *BoltLedger) ClaimTask(ctx context.Context, call board.Call, id board.TaskID) error {
	err := l.call(call, 0, func(tx *bolt.Tx) error {
		b := tx.Bucket(boltTasksBucket)
		task, err := loadBoltTask(b, id)
		if err != nil {
			return err
		}
		if task.Claimed() {
			return board.ErrAlreadyClaimed
		}
		if task.Completed {
			return board.ErrAlreadyCompleted
		}

		now := time.Now().UTC()
		task.Worker = call.From
		task.ClaimedAt = &now
		return storeBoltTask(b, task)
	})
	if err != nil {
		return err
	}

	l.config.publish(notify.TaskClaimed(id, call.From))
	return nil
}

// SubmitResult records the result and credits the escrowed reward.
func (l *BoltLedger) SubmitResult(ctx context.Context, call board.Call, id board.TaskID, result []byte) error {
	var reward board.Amount
	err := l.call(call, 0, func(tx *bolt.Tx) error {
		b := tx.Bucket(boltTasksBucket)
		task, err := loadBoltTask(b, id)
		if err != nil {
			return err
		}
		if task.Worker != call.From {
			return board.ErrNotAssignedWorker
		}
		if task.Completed {
			return board.ErrAlreadyCompleted
		}

		now := time.Now().UTC()
		task.Completed = true
		task.CompletedAt = &now
		task.Result = result
		reward = task.Reward
		if err := storeBoltTask(b, task); err != nil {
			return err
		}

		accounts := tx.Bucket(boltAccountsBucket)
		acct, err := loadBoltAccount(accounts, call.From)
		if err != nil {
			return err
		}
		acct.Accrued += task.Reward
		return storeBoltAccount(accounts, call.From, acct)
	})
	if err != nil {
		return err
	}

	l.config.publish(notify.TaskCompleted(id, call.From, reward))
	return nil
}

// WithdrawBalance moves the caller's accrued rewards into spendable funds.
func (l *BoltLedger) WithdrawBalance(ctx context.Context, call board.Call) (board.Amount, error) {
	var withdrawn board.Amount
	err := l.call(call, 0, func(tx *bolt.Tx) error {
		b := tx.Bucket(boltAccountsBucket)
		acct, err := loadBoltAccount(b, call.From)
		if err != nil {
			return err
		}
		if acct.Accrued == 0 {
			return board.ErrNoBalance
		}

		withdrawn = acct.Accrued
		acct.Spendable += acct.Accrued
		acct.Accrued = 0
		return storeBoltAccount(b, call.From, acct)
	})
	if err != nil {
		return 0, err
	}
	return withdrawn, nil
}

// GetTask returns a snapshot of one task.
func (l *BoltLedger) GetTask(ctx context.Context, id board.TaskID) (*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}

	var task *board.Task
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = loadBoltTask(tx.Bucket(boltTasksBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetLatestTasks returns the newest count tasks in ascending id order.
func (l *BoltLedger) GetLatestTasks(ctx context.Context, count int) ([]*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}
	if count <= 0 {
		return nil, nil
	}

	var window []*board.Task
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltTasksBucket).Cursor()
		for k, v := c.Last(); k != nil && len(window) < count; k, v = c.Prev() {
			var task board.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("decode task: %w", err)
			}
			window = append(window, &task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// cursor walked newest first; callers get ascending ids
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window, nil
}

// TaskCount returns the number of tasks ever created.
func (l *BoltLedger) TaskCount(ctx context.Context) (uint64, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	var n uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(boltTasksBucket).Sequence()
		return nil
	})
	return n, err
}

func (l *BoltLedger) viewAccount(id board.Identity) (*boltAccount, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}

	var acct *boltAccount
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		acct, err = loadBoltAccount(tx.Bucket(boltAccountsBucket), id)
		return err
	})
	return acct, err
}

// Balance returns the identity's accrued rewards.
func (l *BoltLedger) Balance(ctx context.Context, id board.Identity) (board.Amount, error) {
	acct, err := l.viewAccount(id)
	if err != nil {
		return 0, err
	}
	return acct.Accrued, nil
}

// SpendableFunds returns the identity's fee-paying funds.
func (l *BoltLedger) SpendableFunds(ctx context.Context, id board.Identity) (board.Amount, error) {
	acct, err := l.viewAccount(id)
	if err != nil {
		return 0, err
	}
	return acct.Spendable, nil
}

// AccountNonce returns the identity's next expected sequence value.
func (l *BoltLedger) AccountNonce(ctx context.Context, id board.Identity) (uint64, error) {
	acct, err := l.viewAccount(id)
	if err != nil {
		return 0, err
	}
	return acct.NextNonce, nil
}

// SuggestedFee returns the current fee floor.
func (l *BoltLedger) SuggestedFee(ctx context.Context) (board.Amount, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}
	return l.config.BaseFee, nil
}

// Fund credits spendable funds out-of-band.
func (l *BoltLedger) Fund(ctx context.Context, id board.Identity, amount board.Amount) error {
	if l.closed.Load() {
		return board.ErrClosed
	}
	if id == board.Unclaimed {
		return board.ErrInvalidIdentity
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltAccountsBucket)
		acct, err := loadBoltAccount(b, id)
		if err != nil {
			return err
		}
		acct.Spendable += amount
		return storeBoltAccount(b, id, acct)
	})
}

// Close closes the database. Further calls fail with ErrClosed.
func (l *BoltLedger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}
