package notify

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements Bus using in-memory channels.
// Useful for testing and single-process boards.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool
}

type memorySub struct {
	pattern string
	ch      chan *Notification
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory notification bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{config: cfg}
}

// Publish delivers the notification to every matching subscriber.
// Subscribers with full buffers are skipped, never blocked on.
func (b *MemoryBus) Publish(n *Notification) error {
	if b.closed.Load() {
		return ErrClosed
	}
	subject, err := subjectFor(n.Kind)
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() || !matchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// Buffer full, drop. Delivery is best effort.
		}
	}
	return nil
}

// Subscribe creates a subscription to a kind.
func (b *MemoryBus) Subscribe(kind Kind) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	pattern, err := subjectFor(kind)
	if err != nil {
		return nil, err
	}

	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan *Notification, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

// Notifications returns the notification channel.
func (s *memorySub) Notifications() <-chan *Notification {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}

	close(s.ch)
	return nil
}
