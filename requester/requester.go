// Package requester posts tasks to the board and collects their
// results.
//
// A Client owns one identity's outgoing call sequence, the same way a
// worker agent does: a local nonce allocator hands out values, and an
// ordering conflict resyncs it against the registry and retries with
// a raised fee bid. Posting needs spendable funds for the call fee
// plus the full reward, which is escrowed until some worker completes
// the task.
package requester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/logging"
	"github.com/boardkit/boardkit/nonce"
	"github.com/boardkit/boardkit/retry"
)

// ErrInvalidConfig indicates missing client wiring.
var ErrInvalidConfig = errors.New("invalid client configuration")

// Config holds the client's wiring and tuning.
type Config struct {
	// Identity this client acts as on the board.
	Identity board.Identity

	// Registry is the task board the client calls.
	Registry board.Registry

	// FeeNum/FeeDen scale the opening bid over the suggested floor.
	// Default: 1/1
	FeeNum uint64
	FeeDen uint64

	// FeeBumpNum/FeeBumpDen scale the bid between retries after an
	// ordering conflict.
	// Default: 3/2
	FeeBumpNum uint64
	FeeBumpDen uint64

	// Retry schedules retries after ordering conflicts.
	// Default: exponential, 1s up to 4s, three retries.
	Retry retry.Policy

	// PollInterval between result checks in AwaitResult.
	// Default: 1 * time.Second
	PollInterval time.Duration

	// Logger for client activity. Default: a fresh logger.
	Logger *logging.Logger
}

func (c *Config) normalize() {
	if c.FeeNum == 0 || c.FeeDen == 0 {
		c.FeeNum, c.FeeDen = 1, 1
	}
	if c.FeeBumpNum == 0 || c.FeeBumpDen == 0 {
		c.FeeBumpNum, c.FeeBumpDen = 3, 2
	}
	if c.Retry == nil {
		c.Retry = &retry.ExponentialBackoff{
			InitialDelay: time.Second,
			MaxDelay:     4 * time.Second,
			MaxAttempts:  3,
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

func (c *Config) validate() error {
	if c.Identity == board.Unclaimed {
		return fmt.Errorf("%w: identity is required", ErrInvalidConfig)
	}
	if c.Registry == nil {
		return fmt.Errorf("%w: registry is required", ErrInvalidConfig)
	}
	return nil
}

// Client posts tasks and withdraws balances as one identity. All
// methods are goroutine-safe.
type Client struct {
	config Config
	log    *logging.Logger

	mu    sync.Mutex
	alloc *nonce.Allocator
}

// NewClient creates a client from the given configuration. The nonce
// allocator is seeded lazily on the first state-changing call.
func NewClient(config Config) (*Client, error) {
	config.normalize()
	if err := config.validate(); err != nil {
		return nil, err
	}

	log := config.Logger
	if log == nil {
		log = logging.New()
	}
	log = log.WithComponent("requester").WithIdentity(string(config.Identity))

	return &Client{config: config, log: log}, nil
}

// Identity returns the identity the client acts as.
func (c *Client) Identity() board.Identity {
	return c.config.Identity
}

// Submit posts a task, escrowing the reward from spendable funds on
// top of the call fee, and returns its assigned id.
func (c *Client) Submit(ctx context.Context, funcType string, data []byte, reward board.Amount) (board.TaskID, error) {
	var id board.TaskID
	err := c.do(ctx, func(call board.Call) error {
		var err error
		id, err = c.config.Registry.SubmitTask(ctx, call, funcType, data, reward)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.log.Info("task posted", map[string]interface{}{
		"task_id":   uint64(id),
		"func_type": funcType,
		"reward":    reward.String(),
	})
	return id, nil
}

// AwaitResult polls the board until the task completes and returns
// its result. A task that sits claimed but incomplete parks this call
// until the context gives up: the board never releases claims on its
// own.
func (c *Client) AwaitResult(ctx context.Context, id board.TaskID) ([]byte, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		task, err := c.config.Registry.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Completed {
			return task.Result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run posts a task and waits for its result.
func (c *Client) Run(ctx context.Context, funcType string, data []byte, reward board.Amount) ([]byte, error) {
	id, err := c.Submit(ctx, funcType, data, reward)
	if err != nil {
		return nil, err
	}
	return c.AwaitResult(ctx, id)
}

// Withdraw moves the identity's entire accrued balance into spendable
// funds and returns the amount moved.
func (c *Client) Withdraw(ctx context.Context) (board.Amount, error) {
	var moved board.Amount
	err := c.do(ctx, func(call board.Call) error {
		var err error
		moved, err = c.config.Registry.WithdrawBalance(ctx, call)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.log.Info("balance withdrawn", map[string]interface{}{"amount": moved.String()})
	return moved, nil
}

// do runs one state-changing call with a fresh nonce and a bid over
// the current floor, retrying ordering conflicts under the configured
// policy. Domain rejections come back unchanged: they landed, and no
// retry can unland them.
func (c *Client) do(ctx context.Context, op func(board.Call) error) error {
	alloc, err := c.allocator(ctx)
	if err != nil {
		return fmt.Errorf("seed nonce allocator: %w", err)
	}

	floor, err := c.config.Registry.SuggestedFee(ctx)
	if err != nil {
		return fmt.Errorf("suggested fee: %w", err)
	}
	fee := floor.Scale(c.config.FeeNum, c.config.FeeDen)

	for attempt := 0; ; attempt++ {
		err := op(board.Call{From: c.config.Identity, Nonce: alloc.Next(), FeeBid: fee})
		if err == nil || !board.IsOrderingConflict(err) {
			return err
		}

		if rerr := alloc.Resync(ctx); rerr != nil {
			return fmt.Errorf("nonce resync: %w", rerr)
		}
		fee = fee.Scale(c.config.FeeBumpNum, c.config.FeeBumpDen)

		delay, ok := c.config.Retry.NextDelay(attempt)
		if !ok {
			return err
		}
		if serr := retry.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// allocator seeds the nonce allocator on first use.
func (c *Client) allocator(ctx context.Context) (*nonce.Allocator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alloc == nil {
		alloc, err := nonce.Seed(ctx, func(ctx context.Context) (uint64, error) {
			return c.config.Registry.AccountNonce(ctx, c.config.Identity)
		})
		if err != nil {
			return nil, err
		}
		c.alloc = alloc
	}
	return c.alloc, nil
}
