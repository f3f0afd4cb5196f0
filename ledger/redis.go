package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/notify"
)

// redisTxAttempts bounds optimistic transaction retries when watched keys
// keep changing under contention.
const redisTxAttempts = 16

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Config

	// Addr is the Redis server address. Default: localhost:6379.
	Addr string

	// Password authenticates the connection, if the server requires one.
	Password string

	// DB selects the Redis database number.
	DB int

	// Prefix namespaces every board key. Default: "board:".
	Prefix string
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Config: DefaultConfig(),
		Addr:   "localhost:6379",
		Prefix: "board:",
	}
}

// RedisLedger implements board.Registry on Redis. WATCH/MULTI optimistic
// transactions arbitrate claims, so boards can be shared across hosts.
type RedisLedger struct {
	config RedisConfig
	client *redis.Client
	closed atomic.Bool
}

var _ board.Registry = (*RedisLedger)(nil)

// redisAccount is the decoded form of one identity's account hash.
type redisAccount struct {
	Spendable board.Amount
	Accrued   board.Amount
	NextNonce uint64
}

// NewRedisLedger connects to Redis and verifies reachability.
func NewRedisLedger(cfg RedisConfig) (*RedisLedger, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "board:"
	}
	cfg.Config = cfg.Config.normalize()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisLedger{config: cfg, client: client}, nil
}

func (l *RedisLedger) taskKey(id board.TaskID) string {
	return l.config.Prefix + "task:" + strconv.FormatUint(uint64(id), 10)
}

func (l *RedisLedger) acctKey(id board.Identity) string {
	return l.config.Prefix + "acct:" + string(id)
}

func (l *RedisLedger) countKey() string {
	return l.config.Prefix + "count"
}

func parseRedisAccount(fields map[string]string) (*redisAccount, error) {
	acct := &redisAccount{}
	if s, ok := fields["spendable"]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse spendable: %w", err)
		}
		acct.Spendable = board.Amount(v)
	}
	if s, ok := fields["accrued"]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse accrued: %w", err)
		}
		acct.Accrued = board.Amount(v)
	}
	if s, ok := fields["next_nonce"]; ok {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse next_nonce: %w", err)
		}
		acct.NextNonce = v
	}
	return acct, nil
}

// redisWrites queues the domain writes of an admitted call.
type redisWrites func(pipe redis.Pipeliner)

// call runs one state-changing call as an optimistic transaction over the
// caller's account plus any extra watched keys. fn reads state through tx
// and either returns the domain writes or a revert sentinel; a revert
// still commits the admission consumption, an admission rejection commits
// nothing. TxFailedErr restarts the whole call.
func (l *RedisLedger) call(ctx context.Context, call board.Call, escrow board.Amount, extraKeys []string, fn func(tx *redis.Tx) (redisWrites, error)) error {
	if l.closed.Load() {
		return board.ErrClosed
	}
	if call.From == board.Unclaimed {
		return board.ErrInvalidIdentity
	}

	acctKey := l.acctKey(call.From)
	watch := append([]string{acctKey}, extraKeys...)

	var revert error
	attempt := func() error {
		revert = nil
		return l.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, acctKey).Result()
			if err != nil {
				return err
			}
			acct, err := parseRedisAccount(fields)
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

			writes, domainErr := fn(tx)
			if domainErr != nil && !isRevert(domainErr) {
				return domainErr
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HIncrBy(ctx, acctKey, "spendable", -int64(need))
				pipe.HSet(ctx, acctKey, "next_nonce", acct.NextNonce+1)
				if domainErr == nil && writes != nil {
					writes(pipe)
				}
				return nil
			})
			if err != nil {
				return err
			}
			revert = domainErr
			return nil
		}, watch...)
	}

	var err error
	for i := 0; i < redisTxAttempts; i++ {
		err = attempt()
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return err
	}
	return revert
}

// loadTask reads one task through the transaction so its key is guarded
// by WATCH.
func (l *RedisLedger) loadTask(ctx context.Context, tx *redis.Tx, id board.TaskID) (*board.Task, error) {
	data, err := tx.Get(ctx, l.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, board.ErrInvalidTaskID
	}
	if err != nil {
		return nil, err
	}
	var task board.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return &task, nil
}

// SubmitTask creates a task and escrows its reward.
func (l *RedisLedger) SubmitTask(ctx context.Context, call board.Call, funcType string, data []byte, reward board.Amount) (board.TaskID, error) {
	var task *board.Task

	err := l.call(ctx, call, reward, []string{l.countKey()}, func(tx *redis.Tx) (redisWrites, error) {
		n, err := tx.Get(ctx, l.countKey()).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}

		task = &board.Task{
			ID:        board.TaskID(n + 1),
			Requester: call.From,
			FuncType:  funcType,
			Data:      data,
			Reward:    reward,
			CreatedAt: time.Now().UTC(),
		}
		encoded, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}

		return func(pipe redis.Pipeliner) {
			pipe.Set(ctx, l.countKey(), n+1, 0)
			pipe.Set(ctx, l.taskKey(task.ID), encoded, 0)
		}, nil
	})
	if err != nil {
		return 0, err
	}

	l.config.publish(notify.TaskCreated(task))
	return task.ID, nil
}

// ClaimTask assigns the task to the caller if it is still open.
func (l *RedisLedger) ClaimTask(ctx context.Context, call board.Call, id board.TaskID) error {
	err := l.call(ctx, call, 0, []string{l.taskKey(id)}, func(tx *redis.Tx) (redisWrites, error) {
		task, err := l.loadTask(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if task.Claimed() {
			return nil, board.ErrAlreadyClaimed
		}
		if task.Completed {
			return nil, board.ErrAlreadyCompleted
		}

		now := time.Now().UTC()
		task.Worker = call.From
		task.ClaimedAt = &now
		encoded, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}

		return func(pipe redis.Pipeliner) {
			pipe.Set(ctx, l.taskKey(id), encoded, 0)
		}, nil
	})
	if err != nil {
		return err
	}

	l.config.publish(notify.TaskClaimed(id, call.From))
	return nil
}

// SubmitResult records the result and credits the escrowed reward.
func (l *RedisLedger) SubmitResult(ctx context.Context, call board.Call, id board.TaskID, result []byte) error {
	var reward board.Amount

	err := l.call(ctx, call, 0, []string{l.taskKey(id)}, func(tx *redis.Tx) (redisWrites, error) {
		task, err := l.loadTask(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if task.Worker != call.From {
			return nil, board.ErrNotAssignedWorker
		}
		if task.Completed {
			return nil, board.ErrAlreadyCompleted
		}

		now := time.Now().UTC()
		task.Completed = true
		task.CompletedAt = &now
		task.Result = result
		reward = task.Reward
		encoded, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}

		return func(pipe redis.Pipeliner) {
			pipe.Set(ctx, l.taskKey(id), encoded, 0)
			pipe.HIncrBy(ctx, l.acctKey(call.From), "accrued", int64(task.Reward))
		}, nil
	})
	if err != nil {
		return err
	}

	l.config.publish(notify.TaskCompleted(id, call.From, reward))
	return nil
}

// WithdrawBalance moves the caller's accrued rewards into spendable funds.
func (l *RedisLedger) WithdrawBalance(ctx context.Context, call board.Call) (board.Amount, error) {
	var withdrawn board.Amount

	err := l.call(ctx, call, 0, nil, func(tx *redis.Tx) (redisWrites, error) {
		fields, err := tx.HGetAll(ctx, l.acctKey(call.From)).Result()
		if err != nil {
			return nil, err
		}
		acct, err := parseRedisAccount(fields)
		if err != nil {
			return nil, err
		}
		if acct.Accrued == 0 {
			return nil, board.ErrNoBalance
		}
		withdrawn = acct.Accrued

		return func(pipe redis.Pipeliner) {
			pipe.HIncrBy(ctx, l.acctKey(call.From), "spendable", int64(acct.Accrued))
			pipe.HSet(ctx, l.acctKey(call.From), "accrued", 0)
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return withdrawn, nil
}

// GetTask returns a snapshot of one task.
func (l *RedisLedger) GetTask(ctx context.Context, id board.TaskID) (*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}

	data, err := l.client.Get(ctx, l.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, board.ErrInvalidTaskID
	}
	if err != nil {
		return nil, err
	}

	var task board.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return &task, nil
}

// GetLatestTasks returns the newest count tasks in ascending id order.
func (l *RedisLedger) GetLatestTasks(ctx context.Context, count int) ([]*board.Task, error) {
	if l.closed.Load() {
		return nil, board.ErrClosed
	}
	if count <= 0 {
		return nil, nil
	}

	n, err := l.TaskCount(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	lo := uint64(1)
	if n > uint64(count) {
		lo = n - uint64(count) + 1
	}

	keys := make([]string, 0, n-lo+1)
	for id := lo; id <= n; id++ {
		keys = append(keys, l.taskKey(board.TaskID(id)))
	}

	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	window := make([]*board.Task, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("task %d missing from board", lo+uint64(i))
		}
		var task board.Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			return nil, fmt.Errorf("decode task %d: %w", lo+uint64(i), err)
		}
		window = append(window, &task)
	}
	return window, nil
}

// TaskCount returns the number of tasks ever created.
func (l *RedisLedger) TaskCount(ctx context.Context) (uint64, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	n, err := l.client.Get(ctx, l.countKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (l *RedisLedger) accountField(ctx context.Context, id board.Identity, field string) (int64, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}

	v, err := l.client.HGet(ctx, l.acctKey(id), field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Balance returns the identity's accrued rewards.
func (l *RedisLedger) Balance(ctx context.Context, id board.Identity) (board.Amount, error) {
	v, err := l.accountField(ctx, id, "accrued")
	return board.Amount(v), err
}

// SpendableFunds returns the identity's fee-paying funds.
func (l *RedisLedger) SpendableFunds(ctx context.Context, id board.Identity) (board.Amount, error) {
	v, err := l.accountField(ctx, id, "spendable")
	return board.Amount(v), err
}

// AccountNonce returns the identity's next expected sequence value.
func (l *RedisLedger) AccountNonce(ctx context.Context, id board.Identity) (uint64, error) {
	v, err := l.accountField(ctx, id, "next_nonce")
	return uint64(v), err
}

// SuggestedFee returns the current fee floor.
func (l *RedisLedger) SuggestedFee(ctx context.Context) (board.Amount, error) {
	if l.closed.Load() {
		return 0, board.ErrClosed
	}
	return l.config.BaseFee, nil
}

// Fund credits spendable funds out-of-band.
func (l *RedisLedger) Fund(ctx context.Context, id board.Identity, amount board.Amount) error {
	if l.closed.Load() {
		return board.ErrClosed
	}
	if id == board.Unclaimed {
		return board.ErrInvalidIdentity
	}
	return l.client.HIncrBy(ctx, l.acctKey(id), "spendable", int64(amount)).Err()
}

// Close closes the connection. Further calls fail with ErrClosed.
func (l *RedisLedger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.client.Close()
}
