// Package retry provides backoff policies for contended board calls.
//
// Claim and submission attempts on a shared board routinely collide.
// A Policy decides how long to wait before the next attempt and when
// to give up; Do drives an operation under a policy with a caller
// supplied predicate deciding which failures are worth another try.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy decides the delay before a retry.
// attempt is the number of retries already performed, starting at 0.
// The second return value is false once the policy is exhausted.
type Policy interface {
	NextDelay(attempt int) (time.Duration, bool)
}

// ExponentialBackoff doubles the delay on every retry.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// NextDelay returns InitialDelay * 2^attempt capped at MaxDelay.
func (p *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}

	delay := p.InitialDelay * time.Duration(math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

// FixedInterval waits the same delay between every retry.
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int
}

// NextDelay returns the fixed interval until attempts run out.
func (p *FixedInterval) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Interval, true
}

// None never retries.
type None struct{}

// NextDelay always reports exhaustion.
func (None) NextDelay(int) (time.Duration, bool) {
	return 0, false
}

// jittered wraps a policy and adds a random fraction of the delay on top,
// spreading out rivals that failed at the same instant.
type jittered struct {
	inner    Policy
	fraction float64
}

// WithJitter wraps a policy so each delay gains up to fraction of itself
// as random slack. Fractions outside (0, 1] disable the jitter.
func WithJitter(p Policy, fraction float64) Policy {
	if fraction <= 0 || fraction > 1 {
		return p
	}
	return &jittered{inner: p, fraction: fraction}
}

func (j *jittered) NextDelay(attempt int) (time.Duration, bool) {
	delay, ok := j.inner.NextDelay(attempt)
	if !ok || delay <= 0 {
		return delay, ok
	}
	span := int64(float64(delay) * j.fraction)
	if span > 0 {
		delay += time.Duration(rand.Int63n(span))
	}
	return delay, ok
}

// Do runs op, retrying per the policy while retryable reports the failure
// as worth another attempt. It returns nil on the first success, the last
// error once the policy or the predicate gives up, or the context error
// if ctx ends while waiting.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}

		delay, ok := policy.NextDelay(attempt)
		if !ok {
			return lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Sleep waits for d or until ctx ends, whichever comes first.
// It returns ctx.Err() when the context won.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
