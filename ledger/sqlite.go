package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/notify"
	"github.com/boardkit/boardkit/retry"

	_ "modernc.org/sqlite"
)

// sqliteRetry covers transient WAL contention (SQLITE_BUSY, SQLITE_LOCKED)
// that slips past the busy_timeout pragma when several processes share the
// database file.
var sqliteRetry = retry.WithJitter(&retry.ExponentialBackoff{
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	MaxAttempts:  3,
}, 0.5)

// SQLiteLedger implements board.Registry on a SQLite file in WAL mode.
// Several worker and requester processes on one host can share the board
// through the filesystem; SQLite's write lock is the claim arbiter.
type SQLiteLedger struct {
	config Config
	db     *sql.DB
	closed atomic.Bool
}

var _ board.Registry = (*SQLiteLedger)(nil)

// NewSQLiteLedger opens (or creates) the board database at path.
func NewSQLiteLedger(path string, cfg Config) (*SQLiteLedger, error) {
	// immediate transactions take the write lock up front, so concurrent
	// claims queue on busy_timeout instead of deadlocking on lock upgrade
	dsn := path + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open board db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	l := &SQLiteLedger{config: cfg.normalize(), db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate board db: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		requester    TEXT NOT NULL,
		worker       TEXT NOT NULL DEFAULT '',
		func_type    TEXT NOT NULL,
		data         BLOB,
		result       BLOB,
		completed    INTEGER NOT NULL DEFAULT 0,
		reward       INTEGER NOT NULL,
		created_at   TEXT NOT NULL,
		claimed_at   TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed);

	CREATE TABLE IF NOT EXISTS accounts (
		identity   TEXT PRIMARY KEY,
		spendable  INTEGER NOT NULL DEFAULT 0,
		accrued    INTEGER NOT NULL DEFAULT 0,
		next_nonce INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// isTransientSQLite reports whether the error is SQLite lock contention
// worth retrying. modernc.org/sqlite surfaces these as message text.
func isTransientSQLite(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isRevert reports whether err is a domain rejection that landed: the
// call cleared admission, so its nonce and fee stay consumed.
func isRevert(err error) bool {
	return errors.Is(err, board.ErrInvalidTaskID) ||
		errors.Is(err, board.ErrAlreadyClaimed) ||
		errors.Is(err, board.ErrAlreadyCompleted) ||
		errors.Is(err, board.ErrNotAssignedWorker) ||
		errors.Is(err, board.ErrNoBalance)
}

// admitTx checks a call's nonce, fee and funds, and on success consumes
// them inside the transaction. Rejection errors leave the transaction
// clean for rollback.
func (l *SQLiteLedger) admitTx(ctx context.Context, tx *sql.Tx, call board.Call, escrow board.Amount) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (identity) VALUES (?) ON CONFLICT(identity) DO NOTHING`,
		string(call.From),
	); err != nil {
		return err
	}

	var spendable, nextNonce int64
	err := tx.QueryRowContext(ctx,
		`SELECT spendable, next_nonce FROM accounts WHERE identity = ?`,
		string(call.From),
	).Scan(&spendable, &nextNonce)
	if err != nil {
		return err
	}

	if call.Nonce < uint64(nextNonce) {
		return board.ErrStaleNonce
	}
	if call.Nonce > uint64(nextNonce) {
		return board.ErrNonceGap
	}
	if call.FeeBid < l.config.BaseFee {
		return board.ErrFeeTooLow
	}
	need := call.FeeBid + escrow
	if board.Amount(spendable) < need {
		return board.ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET next_nonce = next_nonce + 1, spendable = spendable - ? WHERE identity = ?`,
		int64(need), string(call.From),
	)
	return err
}

// callTx runs one state-changing call: admission first, then the domain
// operation. A domain revert commits anyway so the consumed nonce and fee
// stick, exactly like a landed-but-reverted transaction. Admission
// rejections roll back and consume nothing.
func (l *SQLiteLedger) callTx(ctx context.Context, call board.Call, escrow board.Amount, fn func(tx *sql.Tx) error) error {
	if l.closed.Load() {
		return board.ErrClosed
	}
	if call.From == board.Unclaimed {
		return board.ErrInvalidIdentity
	}

	var revert error
	err := retry.Do(ctx, sqliteRetry, isTransientSQLite, func() error {
		revert = nil
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := l.admitTx(ctx, tx, call, escrow); err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if !isRevert(err) {
				return err
			}
			revert = err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	return revert
}

// SubmitTask creates a task and escrows its reward.
func (l *SQLiteLedger) SubmitTask(ctx context.Context, call board.Call, funcType string, data []byte, reward board.Amount) (board.TaskID, error) {
	var id board.TaskID
	createdAt := time.Now().UTC()

	err := l.callTx(ctx, call, reward, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (requester, func_type, data, reward, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			string(call.From), funcType, data, int64(reward), createdAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		last, err := res.LastInsertId()
		if err != nil {
			return err
		}
		id = board.TaskID(last)
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.config.publish(notify.TaskCreated(&board.Task{
		ID:        id,
		Requester: call.From,
		FuncType:  funcType,
		Reward:    reward,
		CreatedAt: createdAt,
	}))
	return id, nil
}

// ClaimTask assigns the task to the caller if it is still open.
func (l *SQLiteLedger) ClaimTask(ctx context.Context, call board.Call, id board.TaskID) error {
	err := l.callTx(ctx, call, 0, func(tx *sql.Tx) error {
		var worker string
		var completed int64
		err := tx.QueryRowContext(ctx,
			`SELECT worker, completed FROM tasks WHERE id = ?`, int64(id),
		).Scan(&worker, &completed)
		if errors.Is(err, sql.ErrNoRows) {
			return board.ErrInvalidTaskID
		}
		if err != nil {
			return err
		}
		if worker != "" {
			return board.ErrAlreadyClaimed
		}
		if completed != 0 {
			return board.ErrAlreadyCompleted
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET worker = ?, claimed_at = ? WHERE id = ?`,
			string(call.From), time.Now().UTC().Format(time.RFC3339Nano), int64(id),
		)
		return err
	})
	if err != nil {
		return err
	}

	l.config.publish(notify.TaskClaimed(id, call.From))
	return nil
}

// SubmitResult records the result and credits the escrowed reward.
func (l *SQLiteLedger) SubmitResult(ctx context.Context, call board.Call, id board.TaskID, result []byte) error {
	var reward board.Amount
	err := l.callTx(ctx, call, 0, func(tx *sql.Tx) error {
		var worker string
		var completed, rewardMicros int64
		err := tx.QueryRowContext(ctx,
			`SELECT worker, completed, reward FROM tasks WHERE id = ?`, int64(id),
		).Scan(&worker, &completed, &rewardMicros)
		if errors.Is(err, sql.ErrNoRows) {
			return board.ErrInvalidTaskID
		}
		if err != nil {
			return err
		}
		if worker != string(call.From) {
			return board.ErrNotAssignedWorker
		}
		if completed != 0 {
			return board.ErrAlreadyCompleted
		}
		reward = board.Amount(rewardMicros)

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET result = ?, completed = 1, completed_at = ? WHERE id = ?`,
			result, time.Now().UTC().Format(time.RFC3339Nano), int64(id),
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET accrued = accrued + ? WHERE identity = ?`,
			rewardMicros, string(call.From),
		)
		return err
	})
	if err != nil {
		return err
	}

	l.config.publish(notify.TaskCompleted(id, call.From, reward))
	return nil
}

// WithdrawBalance moves the caller's accrued rewards into spendable funds.
func (l *SQLiteLedger) WithdrawBalance(ctx context.Context, call board.Call) (board.Amount, error) {
	var withdrawn board.Amount
	err := l.callTx(ctx, call, 0, func(tx *sql.Tx) error {
		var accrued int64
		err := tx.QueryRowContext(ctx,
			`SELECT accrued FROM accounts WHERE identity = ?`, string(call.From),
		).Scan(&accrued)
		if err != nil {
			return err
		}
		if accrued == 0 {
			return board.ErrNoBalance
		}
		withdrawn = board.Amount(accrued)

		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET accrued = 0, spendable = spendable + ? WHERE identity = ?`,
			accrued, string(call.From),
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return withdrawn, nil
}

const taskColumns = `id, requester, worker, func_type, data, result, completed, reward, created_at, claimed_at, completed_at`

// scanTask reads one task row.
func scanTask(row interface {
	Scan(dest ...any) error
}) (*board.Task, error) {
	var (
		task                   board.Task
		id, completed, reward  int64
		requester, worker      string
		createdAt              string
		claimedAt, completedAt sql.NullString
	)
	err := row.Scan(&id, &requester, &worker, &task.FuncType, &task.Data, &task.Result,
		&completed, &reward, &createdAt, &claimedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.ID = board.TaskID(id)
	task.Requester = board.Identity(requester)
	task.Worker = board.Identity(worker)
	task.Completed = completed != 0
	task.Reward = board.Amount(reward)

	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if task.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if task.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &task, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask returns a snapshot of one task.
func (l *SQLiteLedger) GetTask(ctx context.Context, id board.TaskID) (*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}

	row := l.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, int64(id))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, board.ErrInvalidTaskID
	}
	return task, err
}

// GetLatestTasks returns the newest count tasks in ascending id order.
func (l *SQLiteLedger) GetLatestTasks(ctx context.Context, count int) ([]*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}
	if count <= 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY id DESC LIMIT ?`, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var window []*board.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		window = append(window, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// rows came newest first; callers get ascending ids
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window, nil
}

// TaskCount returns the number of tasks ever created.
func (l *SQLiteLedger) TaskCount(ctx context.Context) (uint64, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (l *SQLiteLedger) accountColumn(ctx context.Context, column string, id board.Identity) (int64, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	var v int64
	err := l.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM accounts WHERE identity = ?`, string(id)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// Balance returns the identity's accrued rewards.
func (l *SQLiteLedger) Balance(ctx context.Context, id board.Identity) (board.Amount, error) {
	v, err := l.accountColumn(ctx, "accrued", id)
	return board.Amount(v), err
}

// SpendableFunds returns the identity's fee-paying funds.
func (l *SQLiteLedger) SpendableFunds(ctx context.Context, id board.Identity) (board.Amount, error) {
	v, err := l.accountColumn(ctx, "spendable", id)
	return board.Amount(v), err
}

// AccountNonce returns the identity's next expected sequence value.
func (l *SQLiteLedger) AccountNonce(ctx context.Context, id board.Identity) (uint64, error) {
	v, err := l.accountColumn(ctx, "next_nonce", id)
	return uint64(v), err
}

// SuggestedFee returns the current fee floor.
func (l *SQLiteLedger) SuggestedFee(ctx context.Context) (board.Amount, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}
	return l.config.BaseFee, nil
}

// Fund credits spendable funds out-of-band.
func (l *SQLiteLedger) Fund(ctx context.Context, id board.Identity, amount board.Amount) error {
	if l.closed.Load() {
		return board.ErrClosed
	}
	if id == board.Unclaimed {
		return board.ErrInvalidIdentity
	}

	return retry.Do(ctx, sqliteRetry, isTransientSQLite, func() error {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO accounts (identity, spendable) VALUES (?, ?)
			 ON CONFLICT(identity) DO UPDATE SET spendable = spendable + excluded.spendable`,
			string(id), int64(amount),
		)
		return err
	})
}

// Close closes the database. Further calls fail with ErrClosed.
func (l *SQLiteLedger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}
