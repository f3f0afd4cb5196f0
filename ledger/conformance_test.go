package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/boardkit/boardkit/board"
)

// registryFactory builds a fresh Registry for one subtest. Factories own
// cleanup via t.Cleanup.
type registryFactory func(t *testing.T) board.Registry

// testFee is what conformance callers bid. Every backend under test must
// accept it as at or above its floor.
const testFee = DefaultBaseFee

// caller tracks a local nonce so tests read like worker code. One caller
// per goroutine; the counter is not synchronized.
type caller struct {
	id    board.Identity
	nonce uint64
}

func newCaller(t *testing.T, reg board.Registry, id board.Identity, funds board.Amount) *caller {
	t.Helper()
	if err := reg.Fund(context.Background(), id, funds); err != nil {
		t.Fatalf("Fund(%s) error: %v", id, err)
	}
	return &caller{id: id}
}

// next returns a call carrying the next local nonce. The counter advances
// even when the call later reverts, matching landed-call accounting.
func (c *caller) next() board.Call {
	call := board.Call{From: c.id, Nonce: c.nonce, FeeBid: testFee}
	c.nonce++
	return call
}

// at returns a call with an explicit nonce without touching the local
// counter. Used to provoke admission rejections.
func (c *caller) at(nonce uint64) board.Call {
	return board.Call{From: c.id, Nonce: nonce, FeeBid: testFee}
}

func submitTask(t *testing.T, reg board.Registry, c *caller, funcType string, data []byte, reward board.Amount) board.TaskID {
	t.Helper()
	id, err := reg.SubmitTask(context.Background(), c.next(), funcType, data, reward)
	if err != nil {
		t.Fatalf("SubmitTask error: %v", err)
	}
	return id
}

func taskIDs(tasks []*board.Task) []board.TaskID {
	ids := make([]board.TaskID, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

// runRegistryConformance exercises the semantics every backend must share.
func runRegistryConformance(t *testing.T, open registryFactory) {
	ctx := context.Background()

	t.Run("SubmitAssignsDenseIDs", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))

		for want := board.TaskID(1); want <= 3; want++ {
			got := submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))
			if got != want {
				t.Errorf("task id = %d, want %d", got, want)
			}
		}

		n, err := reg.TaskCount(ctx)
		if err != nil {
			t.Fatalf("TaskCount error: %v", err)
		}
		if n != 3 {
			t.Errorf("TaskCount = %d, want 3", n)
		}
	})

	t.Run("GetTaskRoundTrip", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))

		reward := board.Credits(2)
		id := submitTask(t, reg, req, "double", []byte("42"), reward)

		task, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		if task.ID != id {
			t.Errorf("ID = %d, want %d", task.ID, id)
		}
		if task.Requester != "req-1" {
			t.Errorf("Requester = %q, want req-1", task.Requester)
		}
		if task.Worker != board.Unclaimed {
			t.Errorf("Worker = %q, want unclaimed", task.Worker)
		}
		if task.FuncType != "double" {
			t.Errorf("FuncType = %q, want double", task.FuncType)
		}
		if !bytes.Equal(task.Data, []byte("42")) {
			t.Errorf("Data = %q, want 42", task.Data)
		}
		if task.Reward != reward {
			t.Errorf("Reward = %s, want %s", task.Reward, reward)
		}
		if task.Completed {
			t.Error("fresh task marked completed")
		}
		if len(task.Result) != 0 {
			t.Errorf("fresh task has result %q", task.Result)
		}
		if task.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
		if task.ClaimedAt != nil || task.CompletedAt != nil {
			t.Error("fresh task has claim or completion timestamps")
		}
	})

	t.Run("GetTaskUnknownID", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))

		for _, id := range []board.TaskID{0, 2, 999} {
			if _, err := reg.GetTask(ctx, id); !errors.Is(err, board.ErrInvalidTaskID) {
				t.Errorf("GetTask(%d) error = %v, want ErrInvalidTaskID", id, err)
			}
		}
	})

	t.Run("ClaimRace", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		id := submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))

		const racers = 16
		workers := make([]*caller, racers)
		for i := range workers {
			workers[i] = newCaller(t, reg, board.Identity(fmt.Sprintf("w-%d", i)), board.Credits(1))
		}

		var wg sync.WaitGroup
		claimErrs := make([]error, racers)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claimErrs[i] = reg.ClaimTask(ctx, workers[i].next(), id)
			}(i)
		}
		wg.Wait()

		winners := 0
		for i, err := range claimErrs {
			switch {
			case err == nil:
				winners++
			case errors.Is(err, board.ErrAlreadyClaimed):
			default:
				t.Errorf("racer %d: unexpected error %v", i, err)
			}
		}
		if winners != 1 {
			t.Fatalf("winners = %d, want exactly 1", winners)
		}

		task, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		if task.Worker == board.Unclaimed {
			t.Error("task left unclaimed after a won race")
		}
		if task.ClaimedAt == nil {
			t.Error("ClaimedAt not set")
		}
	})

	t.Run("ClaimIsIrreversible", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		a := newCaller(t, reg, "w-a", board.Credits(1))
		b := newCaller(t, reg, "w-b", board.Credits(1))

		id := submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))

		if err := reg.ClaimTask(ctx, a.next(), id); err != nil {
			t.Fatalf("first claim error: %v", err)
		}
		if err := reg.ClaimTask(ctx, b.next(), id); !errors.Is(err, board.ErrAlreadyClaimed) {
			t.Errorf("rival claim error = %v, want ErrAlreadyClaimed", err)
		}
		if err := reg.ClaimTask(ctx, a.next(), id); !errors.Is(err, board.ErrAlreadyClaimed) {
			t.Errorf("repeat claim error = %v, want ErrAlreadyClaimed", err)
		}

		task, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		if task.Worker != "w-a" {
			t.Errorf("Worker = %q, want w-a", task.Worker)
		}
	})

	t.Run("ClaimUnknownTask", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		w := newCaller(t, reg, "w-a", board.Credits(1))

		submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))

		if err := reg.ClaimTask(ctx, w.next(), 999); !errors.Is(err, board.ErrInvalidTaskID) {
			t.Errorf("claim of task 999 error = %v, want ErrInvalidTaskID", err)
		}
	})

	t.Run("RewardLifecycle", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		a := newCaller(t, reg, "w-a", board.Credits(1))
		b := newCaller(t, reg, "w-b", board.Credits(1))

		reward, err := board.ParseAmount("0.1")
		if err != nil {
			t.Fatalf("ParseAmount error: %v", err)
		}

		id := submitTask(t, reg, req, "double", []byte("42"), reward)
		if id != 1 {
			t.Fatalf("task id = %d, want 1", id)
		}

		if err := reg.ClaimTask(ctx, a.next(), id); err != nil {
			t.Fatalf("claim error: %v", err)
		}
		if err := reg.ClaimTask(ctx, b.next(), id); !errors.Is(err, board.ErrAlreadyClaimed) {
			t.Fatalf("rival claim error = %v, want ErrAlreadyClaimed", err)
		}

		if err := reg.SubmitResult(ctx, a.next(), id, []byte("84")); err != nil {
			t.Fatalf("SubmitResult error: %v", err)
		}

		task, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		if !task.Completed {
			t.Error("task not completed after result submission")
		}
		if !bytes.Equal(task.Result, []byte("84")) {
			t.Errorf("Result = %q, want 84", task.Result)
		}
		if task.CompletedAt == nil {
			t.Error("CompletedAt not set")
		}

		bal, err := reg.Balance(ctx, "w-a")
		if err != nil {
			t.Fatalf("Balance error: %v", err)
		}
		if bal != reward {
			t.Errorf("accrued balance = %s, want exactly %s", bal, reward)
		}

		got, err := reg.WithdrawBalance(ctx, a.next())
		if err != nil {
			t.Fatalf("WithdrawBalance error: %v", err)
		}
		if got != reward {
			t.Errorf("withdrawn = %s, want %s", got, reward)
		}

		bal, err = reg.Balance(ctx, "w-a")
		if err != nil {
			t.Fatalf("Balance error: %v", err)
		}
		if bal != 0 {
			t.Errorf("accrued balance after withdraw = %s, want 0", bal)
		}

		if _, err := reg.WithdrawBalance(ctx, a.next()); !errors.Is(err, board.ErrNoBalance) {
			t.Errorf("second withdraw error = %v, want ErrNoBalance", err)
		}
	})

	t.Run("SubmitResultGuards", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		a := newCaller(t, reg, "w-a", board.Credits(1))
		b := newCaller(t, reg, "w-b", board.Credits(1))

		id := submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))

		if err := reg.SubmitResult(ctx, a.next(), id, []byte("r")); !errors.Is(err, board.ErrNotAssignedWorker) {
			t.Errorf("result on unclaimed task error = %v, want ErrNotAssignedWorker", err)
		}

		if err := reg.ClaimTask(ctx, a.next(), id); err != nil {
			t.Fatalf("claim error: %v", err)
		}
		if err := reg.SubmitResult(ctx, b.next(), id, []byte("r")); !errors.Is(err, board.ErrNotAssignedWorker) {
			t.Errorf("rival result error = %v, want ErrNotAssignedWorker", err)
		}
		if err := reg.SubmitResult(ctx, b.next(), 42, []byte("r")); !errors.Is(err, board.ErrInvalidTaskID) {
			t.Errorf("result for unknown task error = %v, want ErrInvalidTaskID", err)
		}

		if err := reg.SubmitResult(ctx, a.next(), id, []byte("r")); err != nil {
			t.Fatalf("SubmitResult error: %v", err)
		}
		if err := reg.SubmitResult(ctx, a.next(), id, []byte("again")); !errors.Is(err, board.ErrAlreadyCompleted) {
			t.Errorf("repeat result error = %v, want ErrAlreadyCompleted", err)
		}

		task, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		if !bytes.Equal(task.Result, []byte("r")) {
			t.Errorf("Result = %q, want first submission to stand", task.Result)
		}
	})

	t.Run("ClaimCompletedTask", func(t *testing.T) {
		// completion implies claimed, so late claimers lose the race
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		a := newCaller(t, reg, "w-a", board.Credits(1))
		b := newCaller(t, reg, "w-b", board.Credits(1))

		id := submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))
		if err := reg.ClaimTask(ctx, a.next(), id); err != nil {
			t.Fatalf("claim error: %v", err)
		}
		if err := reg.SubmitResult(ctx, a.next(), id, []byte("x")); err != nil {
			t.Fatalf("SubmitResult error: %v", err)
		}

		if err := reg.ClaimTask(ctx, b.next(), id); !errors.Is(err, board.ErrAlreadyClaimed) {
			t.Errorf("claim of completed task error = %v, want ErrAlreadyClaimed", err)
		}
	})

	t.Run("LatestTasksWindow", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))

		empty, err := reg.GetLatestTasks(ctx, 5)
		if err != nil {
			t.Fatalf("GetLatestTasks error: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("window over empty board has %d tasks, want 0", len(empty))
		}

		submitTask(t, reg, req, "echo", []byte("1"), board.Credits(1))

		window, err := reg.GetLatestTasks(ctx, 5)
		if err != nil {
			t.Fatalf("GetLatestTasks error: %v", err)
		}
		if got := taskIDs(window); len(got) != 1 || got[0] != 1 {
			t.Errorf("window = %v, want [1]", got)
		}

		submitTask(t, reg, req, "echo", []byte("2"), board.Credits(1))
		submitTask(t, reg, req, "echo", []byte("3"), board.Credits(1))

		window, err = reg.GetLatestTasks(ctx, 2)
		if err != nil {
			t.Fatalf("GetLatestTasks error: %v", err)
		}
		got := taskIDs(window)
		if len(got) != 2 || got[0] != 2 || got[1] != 3 {
			t.Errorf("window = %v, want [2 3] ascending", got)
		}

		window, err = reg.GetLatestTasks(ctx, 0)
		if err != nil {
			t.Fatalf("GetLatestTasks error: %v", err)
		}
		if len(window) != 0 {
			t.Errorf("zero-count window has %d tasks, want 0", len(window))
		}
	})

	t.Run("NonceAdmission", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))

		submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))

		n, err := reg.AccountNonce(ctx, "req-1")
		if err != nil {
			t.Fatalf("AccountNonce error: %v", err)
		}
		if n != 1 {
			t.Fatalf("nonce after one call = %d, want 1", n)
		}

		funds, err := reg.SpendableFunds(ctx, "req-1")
		if err != nil {
			t.Fatalf("SpendableFunds error: %v", err)
		}

		if _, err := reg.SubmitTask(ctx, req.at(0), "echo", []byte("x"), board.Credits(1)); !errors.Is(err, board.ErrStaleNonce) {
			t.Errorf("replayed nonce error = %v, want ErrStaleNonce", err)
		}
		if _, err := reg.SubmitTask(ctx, req.at(5), "echo", []byte("x"), board.Credits(1)); !errors.Is(err, board.ErrNonceGap) {
			t.Errorf("skipped nonce error = %v, want ErrNonceGap", err)
		}

		// rejected at admission: nothing consumed, nothing created
		if n, _ := reg.AccountNonce(ctx, "req-1"); n != 1 {
			t.Errorf("nonce after rejections = %d, want 1", n)
		}
		if f, _ := reg.SpendableFunds(ctx, "req-1"); f != funds {
			t.Errorf("funds after rejections = %s, want %s", f, funds)
		}
		if count, _ := reg.TaskCount(ctx); count != 1 {
			t.Errorf("task count after rejections = %d, want 1", count)
		}
	})

	t.Run("FeeAdmission", func(t *testing.T) {
		reg := open(t)
		newCaller(t, reg, "req-1", board.Credits(10))

		floor, err := reg.SuggestedFee(ctx)
		if err != nil {
			t.Fatalf("SuggestedFee error: %v", err)
		}
		if floor == 0 {
			t.Fatal("fee floor is zero")
		}

		low := board.Call{From: "req-1", Nonce: 0, FeeBid: floor - 1}
		if _, err := reg.SubmitTask(ctx, low, "echo", []byte("x"), board.Credits(1)); !errors.Is(err, board.ErrFeeTooLow) {
			t.Errorf("underbid error = %v, want ErrFeeTooLow", err)
		}
		if n, _ := reg.AccountNonce(ctx, "req-1"); n != 0 {
			t.Errorf("nonce after fee rejection = %d, want 0", n)
		}
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		reg := open(t)
		poor := newCaller(t, reg, "req-poor", testFee) // covers the fee, not the escrow

		if _, err := reg.SubmitTask(ctx, poor.at(0), "echo", []byte("x"), board.Credits(1)); !errors.Is(err, board.ErrInsufficientFunds) {
			t.Errorf("underfunded submit error = %v, want ErrInsufficientFunds", err)
		}
		if n, _ := reg.AccountNonce(ctx, "req-poor"); n != 0 {
			t.Errorf("nonce after funds rejection = %d, want 0", n)
		}
		if f, _ := reg.SpendableFunds(ctx, "req-poor"); f != testFee {
			t.Errorf("funds after funds rejection = %s, want %s", f, testFee)
		}
	})

	t.Run("RevertConsumesNonceAndFee", func(t *testing.T) {
		// a call that clears admission but fails its domain check landed:
		// sequence advanced, fee spent
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		a := newCaller(t, reg, "w-a", board.Credits(1))
		b := newCaller(t, reg, "w-b", board.Credits(1))

		id := submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))
		if err := reg.ClaimTask(ctx, a.next(), id); err != nil {
			t.Fatalf("claim error: %v", err)
		}

		before, err := reg.SpendableFunds(ctx, "w-b")
		if err != nil {
			t.Fatalf("SpendableFunds error: %v", err)
		}
		if err := reg.ClaimTask(ctx, b.next(), id); !errors.Is(err, board.ErrAlreadyClaimed) {
			t.Fatalf("lost race error = %v, want ErrAlreadyClaimed", err)
		}
		if n, _ := reg.AccountNonce(ctx, "w-b"); n != 1 {
			t.Errorf("nonce after lost race = %d, want 1", n)
		}
		after, _ := reg.SpendableFunds(ctx, "w-b")
		if want := before - testFee; after != want {
			t.Errorf("funds after lost race = %s, want %s", after, want)
		}
	})

	t.Run("EscrowAccounting", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		w := newCaller(t, reg, "w-a", board.Credits(1))

		reward := board.Credits(2)
		before, err := reg.SpendableFunds(ctx, "req-1")
		if err != nil {
			t.Fatalf("SpendableFunds error: %v", err)
		}

		id := submitTask(t, reg, req, "echo", []byte("x"), reward)

		after, _ := reg.SpendableFunds(ctx, "req-1")
		if want := before - testFee - reward; after != want {
			t.Errorf("requester funds after submit = %s, want %s", after, want)
		}

		if err := reg.ClaimTask(ctx, w.next(), id); err != nil {
			t.Fatalf("claim error: %v", err)
		}
		if err := reg.SubmitResult(ctx, w.next(), id, []byte("done")); err != nil {
			t.Fatalf("SubmitResult error: %v", err)
		}

		// escrow lands in the worker's accrual and nowhere else
		bal, _ := reg.Balance(ctx, "w-a")
		if bal != reward {
			t.Errorf("worker accrual = %s, want %s", bal, reward)
		}
		if f, _ := reg.SpendableFunds(ctx, "req-1"); f != after {
			t.Errorf("requester funds changed on completion: %s, want %s", f, after)
		}
		if reqBal, _ := reg.Balance(ctx, "req-1"); reqBal != 0 {
			t.Errorf("requester accrual = %s, want 0", reqBal)
		}
	})

	t.Run("InvalidIdentity", func(t *testing.T) {
		reg := open(t)

		call := board.Call{From: board.Unclaimed, Nonce: 0, FeeBid: testFee}
		if _, err := reg.SubmitTask(ctx, call, "echo", []byte("x"), 0); !errors.Is(err, board.ErrInvalidIdentity) {
			t.Errorf("anonymous call error = %v, want ErrInvalidIdentity", err)
		}
		if err := reg.Fund(ctx, board.Unclaimed, board.Credits(1)); !errors.Is(err, board.ErrInvalidIdentity) {
			t.Errorf("anonymous fund error = %v, want ErrInvalidIdentity", err)
		}
	})

	t.Run("UnknownIdentityReads", func(t *testing.T) {
		reg := open(t)

		if bal, err := reg.Balance(ctx, "ghost"); err != nil || bal != 0 {
			t.Errorf("Balance(ghost) = %s, %v, want 0, nil", bal, err)
		}
		if f, err := reg.SpendableFunds(ctx, "ghost"); err != nil || f != 0 {
			t.Errorf("SpendableFunds(ghost) = %s, %v, want 0, nil", f, err)
		}
		if n, err := reg.AccountNonce(ctx, "ghost"); err != nil || n != 0 {
			t.Errorf("AccountNonce(ghost) = %d, %v, want 0, nil", n, err)
		}
	})

	t.Run("SnapshotIsolation", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))
		id := submitTask(t, reg, req, "echo", []byte("x"), board.Credits(1))

		task, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		task.Completed = true
		task.Result = []byte("tampered")
		task.Data[0] = 'y'

		fresh, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask error: %v", err)
		}
		if fresh.Completed || len(fresh.Result) != 0 || !bytes.Equal(fresh.Data, []byte("x")) {
			t.Error("mutating a returned task leaked into the board")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		reg := open(t)
		req := newCaller(t, reg, "req-1", board.Credits(10))

		if err := reg.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
		if err := reg.Close(); err != nil {
			t.Fatalf("second Close error: %v", err)
		}

		if _, err := reg.SubmitTask(ctx, req.at(0), "echo", nil, 0); !errors.Is(err, board.ErrClosed) {
			t.Errorf("SubmitTask after close error = %v, want ErrClosed", err)
		}
		if err := reg.ClaimTask(ctx, req.at(0), 1); !errors.Is(err, board.ErrClosed) {
			t.Errorf("ClaimTask after close error = %v, want ErrClosed", err)
		}
		if err := reg.SubmitResult(ctx, req.at(0), 1, nil); !errors.Is(err, board.ErrClosed) {
			t.Errorf("SubmitResult after close error = %v, want ErrClosed", err)
		}
		if _, err := reg.GetTask(ctx, 1); !errors.Is(err, board.ErrClosed) {
			t.Errorf("GetTask after close error = %v, want ErrClosed", err)
		}
		if _, err := reg.TaskCount(ctx); !errors.Is(err, board.ErrClosed) {
			t.Errorf("TaskCount after close error = %v, want ErrClosed", err)
		}
	})
}
