// Package stats reports and tracks worker standing.
//
// A Reporter periodically snapshots one agent's view of itself and of
// its account on the board, logs the reading, and optionally
// broadcasts it as a status beacon. A Monitor consumes those beacons
// and tracks which workers are still alive: silence is the only
// failure signal a board gives about a worker, so staleness is
// detected here rather than waited for.
//
// Both halves are observational. A lost reading or a dropped beacon
// is logged and forgotten; nothing in the task protocol depends on
// either.
package stats

import (
	"errors"

	"github.com/boardkit/boardkit/board"
)

// Errors returned by lifecycle operations.
var (
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrInvalidConfig  = errors.New("invalid stats configuration")
)

// Source is the agent-side view a reporter snapshots each interval.
// *worker.Agent implements it.
type Source interface {
	Identity() board.Identity
	ActiveClaims() int
	LastProcessed() board.TaskID
	NonceResyncs() uint64
}
