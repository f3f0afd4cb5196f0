package stats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/logging"
	"github.com/boardkit/boardkit/notify"
)

// BalanceReader is the slice of the registry a reporter needs.
type BalanceReader interface {
	Balance(ctx context.Context, id board.Identity) (board.Amount, error)
	SpendableFunds(ctx context.Context, id board.Identity) (board.Amount, error)
}

// ReporterConfig holds reporter wiring and tuning.
type ReporterConfig struct {
	// Source is the agent to snapshot.
	Source Source

	// Registry supplies the account readings.
	Registry BalanceReader

	// Interval between reports.
	// Default: 30 * time.Second
	Interval time.Duration

	// Publisher, when set, broadcasts each report as a status beacon.
	Publisher notify.Publisher

	// Logger for report lines. Default: a fresh logger.
	Logger *logging.Logger
}

// Reporter periodically logs one worker's standing and optionally
// broadcasts it as a status beacon.
type Reporter struct {
	config ReporterConfig
	log    *logging.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReporter creates a reporter for one agent.
func NewReporter(config ReporterConfig) (*Reporter, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidConfig)
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}

	log := config.Logger
	if log == nil {
		log = logging.New()
	}
	log = log.WithComponent("stats").WithIdentity(string(config.Source.Identity()))

	return &Reporter{config: config, log: log}, nil
}

// Start launches periodic reporting. The first report goes out
// immediately.
func (r *Reporter) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run(ctx)
	return nil
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.doneCh)

	r.report(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.running.Store(false)
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

// report snapshots the agent and its account. A failed reading skips
// the interval: losing a report must never disturb the protocol.
func (r *Reporter) report(ctx context.Context) {
	id := r.config.Source.Identity()

	spendable, err := r.config.Registry.SpendableFunds(ctx, id)
	if err != nil {
		r.log.Debug("stats reading failed", map[string]interface{}{"error": err.Error()})
		return
	}
	accrued, err := r.config.Registry.Balance(ctx, id)
	if err != nil {
		r.log.Debug("stats reading failed", map[string]interface{}{"error": err.Error()})
		return
	}

	status := notify.WorkerStatus{
		Spendable:     spendable.String(),
		Accrued:       accrued.String(),
		ActiveClaims:  r.config.Source.ActiveClaims(),
		LastProcessed: uint64(r.config.Source.LastProcessed()),
	}
	r.log.WorkerStats(status.Spendable, status.Accrued, status.ActiveClaims, status.LastProcessed)

	if r.config.Publisher != nil {
		if err := r.config.Publisher.Publish(notify.StatusBeacon(id, status)); err != nil {
			r.log.Debug("status beacon dropped", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Stop halts reporting.
func (r *Reporter) Stop() error {
	if !r.running.Swap(false) {
		return ErrNotStarted
	}
	close(r.stopCh)
	<-r.doneCh
	return nil
}
