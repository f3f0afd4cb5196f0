package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by the boardkit worker process. Lower phases are shut
// down first; handlers in the same phase run concurrently.
const (
	PhaseObservers = 10
	PhaseAgents    = 20
	PhaseRegistry  = 30
)

// Handler is implemented by components that stop cleanly.
type Handler interface {
	// OnShutdown is called when shutdown is initiated. The context is
	// cancelled when the timeout is reached; implementations should
	// stop accepting work, let in-flight operations land if time
	// permits, then release resources.
	OnShutdown(ctx context.Context) error
}

// Func adapts a plain function into a Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult records one handler's shutdown outcome.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result records the complete shutdown outcome.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed reports whether any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// DefaultTimeout is used when ShutdownWithTimeout is called with
	// a zero timeout, and by the signal handler.
	// Default: 30 seconds
	DefaultTimeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseAgents
	DefaultPhase int

	// ContinueOnError determines whether later phases still run after
	// a handler fails. Default (via DefaultConfig): true
	ContinueOnError bool

	// OnProgress is called as each handler completes. Used by the CLI
	// to log teardown progress.
	OnProgress func(result HandlerResult)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    PhaseAgents,
		ContinueOnError: true,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler Handler
	phase   int
}
