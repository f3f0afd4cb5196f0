package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/boardkit/boardkit/board"
	boarderrors "github.com/boardkit/boardkit/errors"
	"github.com/boardkit/boardkit/executor"
	"github.com/boardkit/boardkit/retry"
)

// claimOutcome classifies one claim attempt sequence.
type claimOutcome int

const (
	claimWon claimOutcome = iota
	claimLost
	claimRevisit
	claimHalt
)

// scan runs one protocol tick. Failures are logged and the tick ends;
// the loop itself never dies over a bad tick.
func (a *Agent) scan(ctx context.Context) {
	a.kickOutstanding(ctx)

	window, err := a.config.Registry.GetLatestTasks(ctx, a.config.Window)
	if err != nil {
		a.log.TickError(err)
		return
	}
	if len(window) == 0 {
		return
	}

	lost := make(map[board.TaskID]bool)
	if candidates := a.claimables(window); len(candidates) > 0 {
		a.raceClaims(ctx, candidates, lost)
	}

	a.advanceWatermark(window, lost)
}

// kickOutstanding re-dispatches claimed tasks with no goroutine
// attached: executions that have not run yet and finished results
// whose submission was deferred on an earlier tick.
func (a *Agent) kickOutstanding(ctx context.Context) {
	a.mu.Lock()
	var ids []board.TaskID
	for id := range a.claims {
		if !a.pending[id] {
			a.pending[id] = true
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.wg.Add(1)
		go a.executeAndSubmit(ctx, id)
	}
}

// claimables filters the window down to tasks this agent could still
// win, skipping everything at or below the high-water mark.
func (a *Agent) claimables(window []*board.Task) []*board.Task {
	a.mu.Lock()
	last := a.lastProcessed
	a.mu.Unlock()

	var out []*board.Task
	for _, t := range window {
		if t.ID <= last {
			continue
		}
		if !t.ClaimableBy(a.config.Identity) {
			continue
		}
		a.log.TaskSeen(uint64(t.ID), t.FuncType)
		out = append(out, t)
	}
	return out
}

// raceClaims attempts each candidate in id order. With more than one
// up for grabs the first attempt waits a random jitter so identically
// configured agents spread out instead of stampeding the same task.
// An insufficient-funds rejection halts claiming for the rest of the
// tick: later candidates would only burn more failed calls.
func (a *Agent) raceClaims(ctx context.Context, candidates []*board.Task, lost map[board.TaskID]bool) {
	if len(candidates) > 1 && a.config.JitterMax > 0 {
		if retry.Sleep(ctx, time.Duration(rand.Int63n(int64(a.config.JitterMax)))) != nil {
			return
		}
	}

	floor, err := a.config.Registry.SuggestedFee(ctx)
	if err != nil {
		a.log.TickError(fmt.Errorf("suggested fee: %w", err))
		return
	}

	for _, t := range candidates {
		switch a.tryClaim(ctx, t, floor) {
		case claimLost:
			lost[t.ID] = true
		case claimHalt:
			a.log.ClaimsHalted("insufficient funds for claim fees")
			return
		}
	}
}

// tryClaim races rivals for one task. Losing to a rival is final.
// Ordering conflicts resync the allocator and retry with a raised bid
// under the claim policy; anything else leaves the task for the next
// tick.
func (a *Agent) tryClaim(ctx context.Context, t *board.Task, floor board.Amount) claimOutcome {
	fresh, err := a.config.Registry.GetTask(ctx, t.ID)
	if err != nil {
		a.log.TickError(fmt.Errorf("recheck task %d: %w", t.ID, err))
		return claimRevisit
	}
	if !fresh.ClaimableBy(a.config.Identity) {
		// A rival won between the window fetch and now. No call made,
		// nothing consumed.
		a.log.ClaimLost(uint64(t.ID))
		a.emit(Event{Kind: EventClaimLost, TaskID: t.ID, At: time.Now()})
		return claimLost
	}

	fee := floor
	for attempt := 0; ; attempt++ {
		call := board.Call{From: a.config.Identity, Nonce: a.alloc.Next(), FeeBid: fee}
		err := a.config.Registry.ClaimTask(ctx, call, t.ID)
		switch {
		case err == nil:
			a.adopt(ctx, fresh, attempt+1, fee)
			return claimWon

		case errors.Is(err, board.ErrAlreadyClaimed) || errors.Is(err, board.ErrAlreadyCompleted):
			// The call landed and was rejected: the rival's claim was
			// ordered first. Nonce and fee are spent, the allocator
			// stays in sync.
			a.log.ClaimLost(uint64(t.ID))
			a.emit(Event{
				Kind:   EventClaimLost,
				TaskID: t.ID,
				Err: boarderrors.AlreadyClaimed(uint64(t.ID),
					boarderrors.WithWorkerID(string(a.config.Identity))),
				At: time.Now(),
			})
			return claimLost

		case errors.Is(err, board.ErrInsufficientFunds):
			return claimHalt

		case board.IsOrderingConflict(err):
			// The call never landed. Resync the allocator and bid
			// higher on the retry.
			if rerr := a.resync(ctx); rerr != nil {
				a.log.TickError(fmt.Errorf("nonce resync: %w", rerr))
				return claimRevisit
			}
			fee = fee.Scale(a.config.FeeBumpNum, a.config.FeeBumpDen)
			delay, ok := a.config.ClaimRetry.NextDelay(attempt)
			if !ok {
				a.log.ClaimAbandoned(uint64(t.ID), attempt+1, err)
				return claimRevisit
			}
			if retry.Sleep(ctx, delay) != nil {
				return claimRevisit
			}

		default:
			a.log.ClaimAbandoned(uint64(t.ID), attempt+1, err)
			return claimRevisit
		}
	}
}

// adopt records a won claim and dispatches its execution.
func (a *Agent) adopt(ctx context.Context, t *board.Task, attempts int, fee board.Amount) {
	a.log.TaskClaimed(uint64(t.ID), attempts, fee.String())
	a.emit(Event{Kind: EventClaimed, TaskID: t.ID, At: time.Now()})

	a.mu.Lock()
	a.claims[t.ID] = &claimState{
		funcType: t.FuncType,
		data:     t.Data,
		reward:   t.Reward,
	}
	a.pending[t.ID] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.executeAndSubmit(ctx, t.ID)
}

// executeAndSubmit drives one claimed task to a state terminal for
// this tick: result accepted, execution dropped, or submission
// deferred to the next scan.
func (a *Agent) executeAndSubmit(ctx context.Context, id board.TaskID) {
	defer a.wg.Done()
	defer a.clearPending(id)

	a.mu.Lock()
	st, ok := a.claims[id]
	var (
		executed bool
		funcType string
		data     []byte
	)
	if ok {
		executed = st.executed
		funcType = st.funcType
		data = st.data
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	if !executed {
		started := time.Now()
		result, err := a.config.Executor.Execute(ctx, funcType, data)
		if err != nil {
			if ctx.Err() != nil {
				a.log.Debug("execution interrupted by shutdown",
					map[string]interface{}{"task_id": uint64(id)})
				return
			}
			failure := a.executionError(id, funcType, err)
			a.log.ExecutionFailed(uint64(id), failure)
			a.emit(Event{Kind: EventExecutionFailed, TaskID: id, Err: failure, At: time.Now()})
			a.dropClaim(id)
			return
		}
		a.mu.Lock()
		st.executed = true
		st.result = result
		st.execTime = time.Since(started)
		a.mu.Unlock()
	}

	a.submit(ctx, id)
}

// submit bids a finished result onto the board. Ordering conflicts
// keep the cached result so the next tick resubmits without paying
// for another execution.
func (a *Agent) submit(ctx context.Context, id board.TaskID) {
	a.mu.Lock()
	st, ok := a.claims[id]
	var (
		result   []byte
		reward   board.Amount
		execTime time.Duration
	)
	if ok {
		result = st.result
		reward = st.reward
		execTime = st.execTime
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	floor, err := a.config.Registry.SuggestedFee(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.deferSubmit(id, fmt.Errorf("suggested fee: %w", err))
		return
	}

	call := board.Call{
		From:   a.config.Identity,
		Nonce:  a.alloc.Next(),
		FeeBid: floor.Scale(a.config.SubmitFeeNum, a.config.SubmitFeeDen),
	}
	err = a.config.Registry.SubmitResult(ctx, call, id, result)
	switch {
	case err == nil:
		a.log.TaskCompleted(uint64(id), execTime, reward.String())
		a.emit(Event{Kind: EventCompleted, TaskID: id, At: time.Now()})
		a.dropClaim(id)

	case errors.Is(err, board.ErrAlreadyCompleted):
		// Only the assigned worker can complete, so an earlier
		// submission of ours must have landed after all.
		a.log.Info("result already recorded",
			map[string]interface{}{"task_id": uint64(id)})
		a.dropClaim(id)

	case board.IsOrderingConflict(err):
		if rerr := a.resync(ctx); rerr != nil {
			a.deferSubmit(id, fmt.Errorf("nonce resync: %w", rerr))
			return
		}
		a.deferSubmit(id, err)

	case errors.Is(err, board.ErrNotAssignedWorker) || errors.Is(err, board.ErrInvalidTaskID):
		// The board disagrees that we hold this claim. Something is
		// badly wrong; keeping the entry would resubmit forever.
		failure := boarderrors.New(boarderrors.ErrCodeAssertion,
			"submission rejected for a task this agent claimed",
			boarderrors.WithTaskID(uint64(id)),
			boarderrors.WithWorkerID(string(a.config.Identity)),
			boarderrors.WithCause(err))
		a.log.Error("dropping claim after rejected submission",
			map[string]interface{}{"task_id": uint64(id), "error": failure.Error()})
		a.dropClaim(id)

	default:
		if ctx.Err() != nil {
			return
		}
		a.deferSubmit(id, err)
	}
}

// deferSubmit keeps the finished result for the next tick.
func (a *Agent) deferSubmit(id board.TaskID, cause error) {
	a.log.SubmitDeferred(uint64(id), cause)
	a.emit(Event{Kind: EventSubmitDeferred, TaskID: id, Err: cause, At: time.Now()})
}

// advanceWatermark pushes the high-water mark over the leading run of
// tasks that need nothing further from this agent. A task still being
// claimed, executed, or resubmitted pins the mark below it so the
// next scan comes back to it.
func (a *Agent) advanceWatermark(window []*board.Task, lost map[board.TaskID]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mark := a.lastProcessed
	if first := window[0].ID; first > mark+1 {
		// Older tasks rolled out of the window before this agent saw
		// them. They are out of scope, not pending.
		mark = first - 1
	}
	for _, t := range window {
		if t.ID <= mark {
			continue
		}
		if t.ID != mark+1 || !a.terminalLocked(t, lost) {
			break
		}
		mark = t.ID
	}
	a.lastProcessed = mark
}

// terminalLocked reports whether the task needs nothing further from
// this agent. Callers hold a.mu.
func (a *Agent) terminalLocked(t *board.Task, lost map[board.TaskID]bool) bool {
	if t.Completed || lost[t.ID] {
		return true
	}
	if _, active := a.claims[t.ID]; active {
		return false
	}
	switch t.Worker {
	case board.Unclaimed:
		// Open tasks stay in play unless this agent posted them.
		return t.Requester == a.config.Identity
	case a.config.Identity:
		// Ours with no live claim entry: dropped after a failed
		// execution, or held over from an earlier incarnation whose
		// state is gone. Either way nothing further happens here.
		return true
	default:
		return true
	}
}

func (a *Agent) dropClaim(id board.TaskID) {
	a.mu.Lock()
	delete(a.claims, id)
	a.mu.Unlock()
}

func (a *Agent) clearPending(id board.TaskID) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// resync resets the allocator to the registry's authoritative value
// and logs the correction.
func (a *Agent) resync(ctx context.Context) error {
	before := a.alloc.Peek()
	if err := a.alloc.Resync(ctx); err != nil {
		return err
	}
	a.log.NonceResynced(before, a.alloc.Peek())
	return nil
}

// executionError wraps an executor failure with task context for
// events and logs.
func (a *Agent) executionError(id board.TaskID, funcType string, err error) error {
	opts := []boarderrors.Option{
		boarderrors.WithTaskID(uint64(id)),
		boarderrors.WithWorkerID(string(a.config.Identity)),
		boarderrors.WithCause(err),
	}
	switch {
	case errors.Is(err, executor.ErrUnsupportedOp):
		return boarderrors.UnsupportedOp(funcType, opts...)
	case errors.Is(err, executor.ErrTimeout):
		return boarderrors.ExecTimeout(uint64(id), opts...)
	default:
		return boarderrors.ExecFailed(uint64(id), err.Error(), opts...)
	}
}
