package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Coordinator runs registered handlers in phase order on shutdown.
type Coordinator struct {
	config Config

	mu          sync.Mutex
	handlers    []registration
	began       atomic.Bool
	shutdownErr error
	done        chan struct{}
	result      *Result
	signalChan  chan os.Signal
	start       time.Time
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}

	return &Coordinator{
		config:     config,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
}

// Register adds a handler at the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler at a specific phase. Lower phases
// are shut down first; handlers in the same phase run concurrently.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers a plain function at the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, Func(fn))
}

// RegisterFuncWithPhase registers a plain function at a specific phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown initiates graceful shutdown. While a shutdown is already
// running it returns ErrAlreadyShutdown; once it has finished it
// returns the first run's error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.began.CompareAndSwap(false, true) {
		select {
		case <-c.done:
			return c.shutdownErr
		default:
			return ErrAlreadyShutdown
		}
	}

	c.start = time.Now()
	err := c.run(ctx)
	c.shutdownErr = err
	close(c.done)
	return err
}

// ShutdownWithTimeout initiates shutdown bounded by a timeout.
// A zero timeout uses the configured default.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-c.signalChan
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Trigger injects a synthetic signal, as if SIGTERM had arrived.
// HandleSignals must be active for it to have an effect.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error. Only valid after Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed shutdown result.
// Only valid after Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{
		Results: make([]HandlerResult, 0, len(handlers)),
	}

	var overallErr error

	for _, group := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			result.Err = ErrTimeout
			result.TotalDuration = time.Since(c.start)
			c.result = result
			return ErrTimeout
		default:
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err != nil && overallErr == nil {
				overallErr = ErrHandlerFailed
			}
			if !c.config.ContinueOnError && hr.Err != nil {
				result.Err = overallErr
				result.TotalDuration = time.Since(c.start)
				c.result = result
				return overallErr
			}
		}
	}

	result.Err = overallErr
	result.TotalDuration = time.Since(c.start)
	c.result = result
	return overallErr
}

// runPhase runs all handlers in one phase concurrently.
func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)

			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr

			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var current []registration
	phase := handlers[0].phase

	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}

	if len(current) > 0 {
		groups = append(groups, current)
	}

	return groups
}
