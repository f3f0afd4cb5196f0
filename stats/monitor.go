package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/logging"
	"github.com/boardkit/boardkit/notify"
)

// MonitorConfig holds monitor wiring and tuning.
type MonitorConfig struct {
	// Bus carrying worker status beacons.
	Bus notify.Bus

	// StaleAfter is how long a worker may stay silent before it is
	// reported stale.
	// Default: 90 * time.Second
	StaleAfter time.Duration

	// CheckInterval between staleness sweeps.
	// Default: 15 * time.Second
	CheckInterval time.Duration

	// Logger for monitor activity. Default: a fresh logger.
	Logger *logging.Logger
}

// Record is one worker's last observed beacon.
type Record struct {
	Worker board.Identity
	Status notify.WorkerStatus
	SeenAt time.Time
}

// Monitor tracks worker liveness from status beacons.
type Monitor struct {
	config MonitorConfig
	log    *logging.Logger

	mu       sync.RWMutex
	lastSeen map[board.Identity]*Record
	reported map[board.Identity]bool
	staleCBs []func(board.Identity)

	running atomic.Bool
	sub     notify.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor over the given bus.
func NewMonitor(config MonitorConfig) (*Monitor, error) {
	if config.Bus == nil {
		return nil, fmt.Errorf("%w: bus is required", ErrInvalidConfig)
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 90 * time.Second
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 15 * time.Second
	}

	log := config.Logger
	if log == nil {
		log = logging.New()
	}

	return &Monitor{
		config:   config,
		log:      log.WithComponent("monitor"),
		lastSeen: make(map[board.Identity]*Record),
		reported: make(map[board.Identity]bool),
	}, nil
}

// Start subscribes to status beacons and begins staleness sweeps.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := m.config.Bus.Subscribe(notify.KindWorkerStatus)
	if err != nil {
		m.running.Store(false)
		return fmt.Errorf("subscribe to status beacons: %w", err)
	}
	m.sub = sub

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case n, ok := <-m.sub.Notifications():
			if !ok {
				return
			}
			m.observe(n)
		case <-ticker.C:
			m.sweep()
		}
	}
}

// observe records a beacon and clears any standing stale report
// against its sender.
func (m *Monitor) observe(n *notify.Notification) {
	if n == nil || n.Kind != notify.KindWorkerStatus || n.Status == nil || n.Worker == board.Unclaimed {
		return
	}

	m.mu.Lock()
	m.lastSeen[n.Worker] = &Record{Worker: n.Worker, Status: *n.Status, SeenAt: time.Now()}
	delete(m.reported, n.Worker)
	m.mu.Unlock()
}

// sweep reports workers silent beyond StaleAfter, once per silence.
func (m *Monitor) sweep() {
	now := time.Now()
	var stale []board.Identity

	m.mu.RLock()
	for id, rec := range m.lastSeen {
		if now.Sub(rec.SeenAt) > m.config.StaleAfter && !m.reported[id] {
			stale = append(stale, id)
		}
	}
	callbacks := make([]func(board.Identity), len(m.staleCBs))
	copy(callbacks, m.staleCBs)
	m.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	m.mu.Lock()
	for _, id := range stale {
		m.reported[id] = true
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Warn("worker went silent", map[string]interface{}{
			"worker":      string(id),
			"stale_after": m.config.StaleAfter.String(),
		})
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// OnStale registers a callback invoked when a worker goes silent. A
// worker that resumes beaconing and goes silent again is reported
// again.
func (m *Monitor) OnStale(callback func(board.Identity)) {
	m.mu.Lock()
	m.staleCBs = append(m.staleCBs, callback)
	m.mu.Unlock()
}

// Active reports whether the worker beaconed within the window.
func (m *Monitor) Active(id board.Identity, within time.Duration) bool {
	m.mu.RLock()
	rec, ok := m.lastSeen[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return time.Since(rec.SeenAt) <= within
}

// LastRecord returns a copy of the last beacon observed from the
// worker.
func (m *Monitor) LastRecord(id board.Identity) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.lastSeen[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Workers returns every identity the monitor has observed.
func (m *Monitor) Workers() []board.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]board.Identity, 0, len(m.lastSeen))
	for id := range m.lastSeen {
		out = append(out, id)
	}
	return out
}

// Stop halts monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}
