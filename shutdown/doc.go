// Package shutdown coordinates ordered teardown of a board process.
//
// # Overview
//
// A worker process layers several components over one registry
// connection: the agent polling the board, a stats reporter, sometimes
// a notification subscription. Tearing them down in the wrong order
// loses work (closing the registry while a submit is in flight) or
// logs noise (the reporter reading balances from a closed backend).
// The coordinator runs registered handlers in phase order, lower
// phases first, handlers within a phase concurrently.
//
// # Phases
//
// The boardkit CLI uses three phases:
//
//   - PhaseObservers (10): stats reporter, watch streams
//   - PhaseAgents    (20): worker agents, letting in-flight submits land
//   - PhaseRegistry  (30): registry backend and notification bus
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals() // SIGTERM, SIGINT
//
//	coord.RegisterFuncWithPhase("stats", func(ctx context.Context) error {
//	    return reporter.Stop()
//	}, shutdown.PhaseObservers)
//	coord.RegisterFuncWithPhase("agent", func(ctx context.Context) error {
//	    return agent.Stop()
//	}, shutdown.PhaseAgents)
//	coord.RegisterFuncWithPhase("registry", func(ctx context.Context) error {
//	    return reg.Close()
//	}, shutdown.PhaseRegistry)
//
//	<-coord.Done()
//
// Handlers receive a context that is cancelled when the shutdown
// timeout expires; slow handlers should give up at that point rather
// than hold the process open.
package shutdown
