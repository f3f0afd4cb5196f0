package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/executor"
	"github.com/boardkit/boardkit/logging"
	"github.com/boardkit/boardkit/nonce"
	"github.com/boardkit/boardkit/notify"
	"github.com/boardkit/boardkit/retry"
)

// Errors returned by agent lifecycle operations.
var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotStarted     = errors.New("agent not started")
	ErrInvalidConfig  = errors.New("invalid agent configuration")
)

// EventKind labels one observable step of the agent's protocol.
type EventKind string

const (
	// EventClaimed fires when a claim call wins a task.
	EventClaimed EventKind = "claimed"

	// EventClaimLost fires when a rival's claim was ordered first.
	EventClaimLost EventKind = "claim_lost"

	// EventCompleted fires when a submitted result is accepted.
	EventCompleted EventKind = "completed"

	// EventExecutionFailed fires when a claimed task's execution fails
	// and the task is dropped.
	EventExecutionFailed EventKind = "execution_failed"

	// EventSubmitDeferred fires when a finished result could not be
	// submitted this tick and will be retried on the next.
	EventSubmitDeferred EventKind = "submit_deferred"
)

// Event reports one step of the agent's protocol. Events are advisory:
// the stream is buffered and new events are dropped when nobody drains
// it, so correctness must never hang off them.
type Event struct {
	Kind   EventKind
	TaskID board.TaskID
	Err    error
	At     time.Time
}

// Config holds the agent's wiring and tuning.
type Config struct {
	// Identity this agent acts as on the board.
	Identity board.Identity

	// Registry is the task board the agent polls and calls.
	Registry board.Registry

	// Executor evaluates claimed task payloads.
	Executor executor.Executor

	// PollInterval is the time between board scans.
	// Default: 3 * time.Second
	PollInterval time.Duration

	// Window is how many of the newest tasks each scan examines.
	// Default: 8
	Window int

	// ClaimRetry schedules retries after ordering conflicts on a
	// claim call.
	// Default: exponential, 2s then 4s, two retries.
	ClaimRetry retry.Policy

	// JitterMax bounds the random delay before the first claim
	// attempt when a scan finds more than one claimable task, so
	// identically configured agents do not stampede in lockstep.
	// Default: 2 * time.Second
	JitterMax time.Duration

	// FeeBumpNum/FeeBumpDen scale the fee bid between claim retries.
	// Default: 3/2
	FeeBumpNum uint64
	FeeBumpDen uint64

	// SubmitFeeNum/SubmitFeeDen scale the submission bid over the
	// suggested floor. Losing a submission to the floor wastes a
	// finished computation, so results bid higher than claims.
	// Default: 5/4
	SubmitFeeNum uint64
	SubmitFeeDen uint64

	// EventBuffer is the capacity of the Events channel.
	// Default: 64
	EventBuffer int

	// Bus, when set, lets the agent react to task-created
	// notifications with an immediate scan instead of waiting out the
	// tick. Polling remains the protocol; the subscription is a
	// latency optimization only and the agent runs fine without it.
	Bus notify.Bus

	// Logger for agent activity. Default: a fresh logger.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 3 * time.Second,
		Window:       8,
		JitterMax:    2 * time.Second,
		FeeBumpNum:   3,
		FeeBumpDen:   2,
		SubmitFeeNum: 5,
		SubmitFeeDen: 4,
		EventBuffer:  64,
	}
}

// normalize fills zero tuning fields with their defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.ClaimRetry == nil {
		c.ClaimRetry = &retry.ExponentialBackoff{
			InitialDelay: 2 * time.Second,
			MaxDelay:     4 * time.Second,
			MaxAttempts:  2,
		}
	}
	if c.FeeBumpNum == 0 || c.FeeBumpDen == 0 {
		c.FeeBumpNum = def.FeeBumpNum
		c.FeeBumpDen = def.FeeBumpDen
	}
	if c.SubmitFeeNum == 0 || c.SubmitFeeDen == 0 {
		c.SubmitFeeNum = def.SubmitFeeNum
		c.SubmitFeeDen = def.SubmitFeeDen
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

func (c *Config) validate() error {
	if c.Identity == board.Unclaimed {
		return fmt.Errorf("%w: identity is required", ErrInvalidConfig)
	}
	if c.Registry == nil {
		return fmt.Errorf("%w: registry is required", ErrInvalidConfig)
	}
	if c.Executor == nil {
		return fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}
	return nil
}

// claimState tracks one claimed task through execution and submission.
type claimState struct {
	funcType string
	data     []byte
	reward   board.Amount

	executed bool
	result   []byte
	execTime time.Duration
}

// Agent polls the board, claims and executes tasks, and submits
// results as one identity. All exported methods are goroutine-safe.
type Agent struct {
	config Config
	log    *logging.Logger

	mu            sync.Mutex
	alloc         *nonce.Allocator
	claims        map[board.TaskID]*claimState
	pending       map[board.TaskID]bool
	lastProcessed board.TaskID

	events chan Event

	running atomic.Bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	sub     notify.Subscription
}

// NewAgent creates an agent from the given configuration. Zero tuning
// fields take their defaults.
func NewAgent(config Config) (*Agent, error) {
	config.normalize()
	if err := config.validate(); err != nil {
		return nil, err
	}

	log := config.Logger
	if log == nil {
		log = logging.New()
	}
	log = log.WithComponent("worker").WithIdentity(string(config.Identity))

	return &Agent{
		config:  config,
		log:     log,
		claims:  make(map[board.TaskID]*claimState),
		pending: make(map[board.TaskID]bool),
		events:  make(chan Event, config.EventBuffer),
	}, nil
}

// Start seeds the nonce allocator from the registry and launches the
// poll loop. The context governs the loop and every execution started
// from it.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	alloc, err := nonce.Seed(ctx, a.nonceSource())
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("seed nonce allocator: %w", err)
	}
	a.mu.Lock()
	a.alloc = alloc
	a.mu.Unlock()

	if a.config.Bus != nil {
		sub, err := a.config.Bus.Subscribe(notify.KindTaskCreated)
		if err != nil {
			a.log.Warn("task notifications unavailable, relying on polling",
				map[string]interface{}{"error": err.Error()})
		} else {
			a.sub = sub
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	go a.run(runCtx)
	return nil
}

func (a *Agent) nonceSource() nonce.Source {
	return func(ctx context.Context) (uint64, error) {
		return a.config.Registry.AccountNonce(ctx, a.config.Identity)
	}
}

// run is the agent's protocol loop. The first scan happens
// immediately; after that the ticker and, when subscribed, incoming
// task-created notifications drive it.
func (a *Agent) run(ctx context.Context) {
	defer close(a.doneCh)

	var nudge <-chan *notify.Notification
	if a.sub != nil {
		nudge = a.sub.Notifications()
	}

	a.scan(ctx)

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.running.Store(false)
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.scan(ctx)
		case _, ok := <-nudge:
			if !ok {
				nudge = nil
				continue
			}
			a.scan(ctx)
		}
	}
}

// Stop halts the poll loop, cancels in-flight executions, and waits
// for them to unwind.
func (a *Agent) Stop() error {
	if !a.running.Swap(false) {
		return ErrNotStarted
	}

	close(a.stopCh)
	<-a.doneCh
	a.cancel()
	a.wg.Wait()

	if a.sub != nil {
		_ = a.sub.Unsubscribe()
		a.sub = nil
	}
	return nil
}

// Events returns the agent's event stream. The channel is never
// closed; events beyond the buffer are dropped, not queued.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// Identity returns the identity the agent acts as.
func (a *Agent) Identity() board.Identity {
	return a.config.Identity
}

// ActiveClaims returns how many claimed tasks still await execution
// or submission.
func (a *Agent) ActiveClaims() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claims)
}

// LastProcessed returns the agent's high-water mark. Every task at or
// below it needs nothing further from this agent.
func (a *Agent) LastProcessed() board.TaskID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastProcessed
}

// NonceResyncs returns how many times the allocator was reset against
// the registry's authoritative sequence.
func (a *Agent) NonceResyncs() uint64 {
	a.mu.Lock()
	alloc := a.alloc
	a.mu.Unlock()
	if alloc == nil {
		return 0
	}
	return alloc.Resyncs()
}

// emit delivers an event without ever blocking the protocol loop.
func (a *Agent) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
	}
}
