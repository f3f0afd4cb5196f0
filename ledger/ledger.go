package ledger

import (
	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/notify"
)

// DefaultBaseFee is the fee floor every backend starts with:
// 0.001 credits per state-changing call.
const DefaultBaseFee = board.Amount(1_000)

// Config holds settings common to every ledger backend.
type Config struct {
	// BaseFee is the floor a call's FeeBid must clear.
	// Default: DefaultBaseFee.
	BaseFee board.Amount

	// Publisher, when set, receives informational notifications after
	// each accepted transition. Publish failures are swallowed; the
	// board itself is the only record that matters.
	Publisher notify.Publisher
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseFee: DefaultBaseFee,
	}
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	if c.BaseFee == 0 {
		c.BaseFee = DefaultBaseFee
	}
	return c
}

// publish sends a notification if a publisher is configured.
// Best effort: errors are dropped.
func (c Config) publish(n *notify.Notification) {
	if c.Publisher == nil {
		return
	}
	_ = c.Publisher.Publish(n)
}
