// Package executor computes task payloads for workers.
//
// Workers advertise no capabilities and negotiate nothing: the operation
// set is fixed, and every implementation of Executor must distinguish
// timeouts (ErrTimeout) from failed runs (ErrFailed) so callers can log
// them apart. Either way the task is not retried.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupportedOp means the task names an operation outside the
	// closed set this executor implements.
	ErrUnsupportedOp = errors.New("unsupported operation")

	// ErrTimeout means the operation exceeded its execution budget.
	ErrTimeout = errors.New("execution timed out")

	// ErrFailed means the operation ran and failed, including malformed
	// operands and recovered panics.
	ErrFailed = errors.New("execution failed")
)

// Executor computes a task's result from its funcType and payload.
type Executor interface {
	Execute(ctx context.Context, funcType string, data []byte) ([]byte, error)
}

// Config holds execution budgets.
type Config struct {
	// LightTimeout bounds constant-time operations. Default: 30s.
	LightTimeout time.Duration

	// HeavyTimeout bounds iterative operations (fibonacci, factorial).
	// Default: 120s.
	HeavyTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LightTimeout: 30 * time.Second,
		HeavyTimeout: 120 * time.Second,
	}
}

// LocalExecutor runs the fixed operation set in-process.
type LocalExecutor struct {
	config Config
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates an executor with the given budgets.
func NewLocalExecutor(cfg Config) *LocalExecutor {
	if cfg.LightTimeout <= 0 {
		cfg.LightTimeout = 30 * time.Second
	}
	if cfg.HeavyTimeout <= 0 {
		cfg.HeavyTimeout = 120 * time.Second
	}
	return &LocalExecutor{config: cfg}
}

func (l *LocalExecutor) timeoutFor(op Op) time.Duration {
	if op.heavy() {
		return l.config.HeavyTimeout
	}
	return l.config.LightTimeout
}

// Execute resolves funcType and runs it under the operation's budget.
// Deadline overruns surface as ErrTimeout, panics as ErrFailed; a
// cancelled parent context passes through untranslated so shutdown is
// not mistaken for a slow task.
func (l *LocalExecutor) Execute(ctx context.Context, funcType string, data []byte) (result []byte, err error) {
	op, err := ParseOp(funcType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeoutFor(op))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%s panicked (%v): %w", op, r, ErrFailed)
		}
	}()

	result, err = run(ctx, op, data)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%s exceeded %v: %w", op, l.timeoutFor(op), ErrTimeout)
		case errors.Is(err, context.Canceled):
			return nil, err
		}
		return nil, err
	}
	return result, nil
}
