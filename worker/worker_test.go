package worker

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/executor"
	"github.com/boardkit/boardkit/ledger"
	"github.com/boardkit/boardkit/logging"
	"github.com/boardkit/boardkit/notify"
	"github.com/boardkit/boardkit/retry"
)

func quietLogger() *logging.Logger {
	log := logging.New()
	log.SetOutput(io.Discard)
	return log
}

// testConfig returns an agent configuration tuned for fast tests.
func testConfig(id board.Identity, reg board.Registry) Config {
	config := DefaultConfig()
	config.Identity = id
	config.Registry = reg
	config.Executor = executor.NewLocalExecutor(executor.DefaultConfig())
	config.PollInterval = 20 * time.Millisecond
	config.JitterMax = 0
	config.ClaimRetry = &retry.ExponentialBackoff{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  2,
	}
	config.Logger = quietLogger()
	return config
}

func startAgent(t *testing.T, config Config) *Agent {
	t.Helper()
	agent, err := NewAgent(config)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { _ = agent.Stop() })
	return agent
}

// poster submits tasks as a requester, tracking its own nonce.
type poster struct {
	id    board.Identity
	nonce uint64
}

func (p *poster) call() board.Call {
	c := board.Call{From: p.id, Nonce: p.nonce, FeeBid: ledger.DefaultBaseFee}
	p.nonce++
	return c
}

func newPoster(t *testing.T, reg board.Registry, id board.Identity) *poster {
	t.Helper()
	if err := reg.Fund(context.Background(), id, board.Credits(1)); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
	return &poster{id: id}
}

func (p *poster) post(t *testing.T, reg board.Registry, funcType, data string, reward board.Amount) board.TaskID {
	t.Helper()
	id, err := reg.SubmitTask(context.Background(), p.call(), funcType, []byte(data), reward)
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	return id
}

func fund(t *testing.T, reg board.Registry, id board.Identity, amount board.Amount) {
	t.Helper()
	if err := reg.Fund(context.Background(), id, amount); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
}

func mustAmount(t *testing.T, s string) board.Amount {
	t.Helper()
	a, err := board.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

// waitEvent blocks until an event of the wanted kind arrives.
func waitEvent(t *testing.T, events <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// waitFor polls the condition until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewAgentConfigValidation(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })
	exec := executor.NewLocalExecutor(executor.DefaultConfig())

	tests := []struct {
		name   string
		config Config
	}{
		{"missing identity", Config{Registry: reg, Executor: exec}},
		{"missing registry", Config{Identity: "w", Executor: exec}},
		{"missing executor", Config{Identity: "w", Registry: reg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAgent(tt.config); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewAgent() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestAgentLifecycle(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })

	agent, err := NewAgent(testConfig("worker-a", reg))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	if err := agent.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() before start = %v, want ErrNotStarted", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := agent.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	if err := agent.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := agent.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("second Stop() = %v, want ErrNotStarted", err)
	}
}

func TestAgentCompletesTask(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	requester := newPoster(t, reg, "requester")
	fund(t, reg, "worker-a", board.Credits(1))

	reward := mustAmount(t, "0.05")
	id := requester.post(t, reg, "double", "21", reward)

	agent := startAgent(t, testConfig("worker-a", reg))

	waitEvent(t, agent.Events(), EventClaimed, 5*time.Second)
	waitEvent(t, agent.Events(), EventCompleted, 5*time.Second)

	task, err := reg.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.Completed {
		t.Error("task not completed")
	}
	if task.Worker != "worker-a" {
		t.Errorf("worker = %q, want worker-a", task.Worker)
	}
	if string(task.Result) != "42" {
		t.Errorf("result = %q, want 42", task.Result)
	}
	if task.ClaimedAt == nil || task.CompletedAt == nil {
		t.Error("claim and completion timestamps not recorded")
	}

	balance, err := reg.Balance(ctx, "worker-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != reward {
		t.Errorf("balance = %v, want %v", balance, reward)
	}

	waitFor(t, 2*time.Second, func() bool {
		return agent.LastProcessed() == id
	}, "high-water mark never reached the completed task")

	// Further ticks over the same completed task must not act again.
	time.Sleep(100 * time.Millisecond)
	select {
	case ev := <-agent.Events():
		t.Fatalf("unexpected event %s for settled board", ev.Kind)
	default:
	}
	if balance, _ := reg.Balance(ctx, "worker-a"); balance != reward {
		t.Errorf("balance drifted to %v after re-polls", balance)
	}
	if n := agent.ActiveClaims(); n != 0 {
		t.Errorf("active claims = %d, want 0", n)
	}
}

func TestAgentSkipsRivalAndOwnTasks(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	requester := newPoster(t, reg, "requester")
	rival := newPoster(t, reg, "rival")
	self := newPoster(t, reg, "worker-a")
	reward := mustAmount(t, "0.01")

	id1 := requester.post(t, reg, "echo", "one", reward)
	id2 := requester.post(t, reg, "echo", "two", reward)
	id3 := self.post(t, reg, "echo", "mine", reward)
	id4 := requester.post(t, reg, "echo", "four", reward)

	if err := reg.ClaimTask(ctx, rival.call(), id2); err != nil {
		t.Fatalf("rival claim: %v", err)
	}

	agent := startAgent(t, testConfig("worker-a", reg))

	waitFor(t, 5*time.Second, func() bool {
		t1, err1 := reg.GetTask(ctx, id1)
		t4, err4 := reg.GetTask(ctx, id4)
		return err1 == nil && err4 == nil && t1.Completed && t4.Completed
	}, "agent never completed the open tasks")

	t2, err := reg.GetTask(ctx, id2)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if t2.Completed || t2.Worker != "rival" {
		t.Errorf("rival's task changed hands: worker=%q completed=%v", t2.Worker, t2.Completed)
	}
	t3, err := reg.GetTask(ctx, id3)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if t3.Claimed() || t3.Completed {
		t.Errorf("agent acted on its own posted task: worker=%q completed=%v", t3.Worker, t3.Completed)
	}

	waitFor(t, 2*time.Second, func() bool {
		return agent.LastProcessed() == id4
	}, "high-water mark should clear rival-held and self-posted tasks")
}

func TestAgentsRaceSingleWinner(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	requester := newPoster(t, reg, "requester")
	reward := mustAmount(t, "0.1")
	id := requester.post(t, reg, "square", "12", reward)

	workers := []board.Identity{"worker-a", "worker-b", "worker-c"}
	for _, w := range workers {
		fund(t, reg, w, board.Credits(1))
		startAgent(t, testConfig(w, reg))
	}

	waitFor(t, 5*time.Second, func() bool {
		task, err := reg.GetTask(ctx, id)
		return err == nil && task.Completed
	}, "no agent completed the contested task")

	task, err := reg.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if string(task.Result) != "144" {
		t.Errorf("result = %q, want 144", task.Result)
	}

	winners := 0
	for _, w := range workers {
		balance, err := reg.Balance(ctx, w)
		if err != nil {
			t.Fatalf("balance %s: %v", w, err)
		}
		switch {
		case w == task.Worker:
			winners++
			if balance != reward {
				t.Errorf("winner %s balance = %v, want %v", w, balance, reward)
			}
		case balance != 0:
			t.Errorf("loser %s accrued %v", w, balance)
		}
	}
	if winners != 1 {
		t.Errorf("task worker %q not among the racers", task.Worker)
	}
}

// countingExecutor counts Execute calls before delegating.
type countingExecutor struct {
	inner executor.Executor
	runs  int32
}

func (e *countingExecutor) Execute(ctx context.Context, funcType string, data []byte) ([]byte, error) {
	atomic.AddInt32(&e.runs, 1)
	return e.inner.Execute(ctx, funcType, data)
}

// flakySubmitRegistry rejects the first n result submissions with an
// ordering error before delegating.
type flakySubmitRegistry struct {
	board.Registry
	failures int32
}

func (r *flakySubmitRegistry) SubmitResult(ctx context.Context, call board.Call, id board.TaskID, result []byte) error {
	if atomic.AddInt32(&r.failures, -1) >= 0 {
		return board.ErrStaleNonce
	}
	return r.Registry.SubmitResult(ctx, call, id, result)
}

func TestAgentResubmitsWithoutReexecuting(t *testing.T) {
	mem := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = mem.Close() })
	reg := &flakySubmitRegistry{Registry: mem, failures: 1}
	ctx := context.Background()

	requester := newPoster(t, reg, "requester")
	fund(t, reg, "worker-a", board.Credits(1))
	reward := mustAmount(t, "0.02")
	id := requester.post(t, reg, "echo", "hello", reward)

	counting := &countingExecutor{inner: executor.NewLocalExecutor(executor.DefaultConfig())}
	config := testConfig("worker-a", reg)
	config.Executor = counting
	agent := startAgent(t, config)

	waitEvent(t, agent.Events(), EventSubmitDeferred, 5*time.Second)
	waitEvent(t, agent.Events(), EventCompleted, 5*time.Second)

	task, err := reg.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.Completed || string(task.Result) != "hello" {
		t.Errorf("task completed=%v result=%q, want completed with hello", task.Completed, task.Result)
	}
	if runs := atomic.LoadInt32(&counting.runs); runs != 1 {
		t.Errorf("execution ran %d times, want exactly 1", runs)
	}
	if agent.NonceResyncs() == 0 {
		t.Error("ordering conflict on submit should have resynced the allocator")
	}
}

// countingRegistry counts state-changing calls before delegating.
type countingRegistry struct {
	board.Registry
	mutations int32
}

func (r *countingRegistry) bump() { atomic.AddInt32(&r.mutations, 1) }

func (r *countingRegistry) SubmitTask(ctx context.Context, call board.Call, funcType string, data []byte, reward board.Amount) (board.TaskID, error) {
	r.bump()
	return r.Registry.SubmitTask(ctx, call, funcType, data, reward)
}

func (r *countingRegistry) ClaimTask(ctx context.Context, call board.Call, id board.TaskID) error {
	r.bump()
	return r.Registry.ClaimTask(ctx, call, id)
}

func (r *countingRegistry) SubmitResult(ctx context.Context, call board.Call, id board.TaskID, result []byte) error {
	r.bump()
	return r.Registry.SubmitResult(ctx, call, id, result)
}

func (r *countingRegistry) WithdrawBalance(ctx context.Context, call board.Call) (board.Amount, error) {
	r.bump()
	return r.Registry.WithdrawBalance(ctx, call)
}

func TestAgentRepollsSettledBoardWithoutMutations(t *testing.T) {
	mem := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = mem.Close() })
	reg := &countingRegistry{Registry: mem}
	ctx := context.Background()

	requester := newPoster(t, reg, "requester")
	fund(t, reg, "worker-a", board.Credits(1))
	reward := mustAmount(t, "0.01")
	requester.post(t, reg, "double", "1", reward)
	last := requester.post(t, reg, "double", "2", reward)

	agent := startAgent(t, testConfig("worker-a", reg))

	waitFor(t, 5*time.Second, func() bool {
		task, err := reg.GetTask(ctx, last)
		return err == nil && task.Completed && agent.LastProcessed() == last
	}, "agent never settled the board")

	// With nothing left to claim or submit, further scans are pure reads.
	settled := atomic.LoadInt32(&reg.mutations)
	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&reg.mutations); got != settled {
		t.Errorf("re-polling a settled board issued %d state-changing calls", got-settled)
	}
}

func TestAgentDropsFailedExecution(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	requester := newPoster(t, reg, "requester")
	fund(t, reg, "worker-a", board.Credits(1))
	id := requester.post(t, reg, "teleport", "anywhere", mustAmount(t, "0.05"))

	agent := startAgent(t, testConfig("worker-a", reg))

	ev := waitEvent(t, agent.Events(), EventExecutionFailed, 5*time.Second)
	if !errors.Is(ev.Err, executor.ErrUnsupportedOp) {
		t.Errorf("failure cause = %v, want ErrUnsupportedOp", ev.Err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return agent.LastProcessed() == id && agent.ActiveClaims() == 0
	}, "dropped task should be terminal for the agent")

	task, err := reg.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Worker != "worker-a" {
		t.Errorf("claim should stand after a failed execution, worker = %q", task.Worker)
	}
	if task.Completed {
		t.Error("failed execution must not complete the task")
	}
	if balance, _ := reg.Balance(ctx, "worker-a"); balance != 0 {
		t.Errorf("no reward should accrue, balance = %v", balance)
	}
}

func TestAgentHaltsClaimsWhenBrokeAndRecovers(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	requester := newPoster(t, reg, "requester")
	reward := mustAmount(t, "0.01")
	ids := []board.TaskID{
		requester.post(t, reg, "echo", "a", reward),
		requester.post(t, reg, "echo", "b", reward),
	}

	// Exactly one claim fee: the first claim drains the account, the
	// submission and the second claim cannot be paid.
	fund(t, reg, "worker-a", ledger.DefaultBaseFee)
	agent := startAgent(t, testConfig("worker-a", reg))

	waitEvent(t, agent.Events(), EventSubmitDeferred, 5*time.Second)

	claimed := 0
	for _, id := range ids {
		task, err := reg.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Completed {
			t.Errorf("task %d completed while broke", id)
		}
		if task.Claimed() {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("claimed %d tasks on one claim fee, want 1", claimed)
	}
	if n := agent.ActiveClaims(); n != 1 {
		t.Errorf("active claims = %d, want the deferred one", n)
	}

	// Topping up lets the deferred submission land and the halted
	// claim go through on a following tick.
	fund(t, reg, "worker-a", board.Credits(1))
	waitFor(t, 5*time.Second, func() bool {
		for _, id := range ids {
			task, err := reg.GetTask(ctx, id)
			if err != nil || !task.Completed {
				return false
			}
		}
		return true
	}, "funding should unblock the deferred submission and the halted claim")

	balance, err := reg.Balance(ctx, "worker-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if want := reward + reward; balance != want {
		t.Errorf("balance = %v, want %v", balance, want)
	}
}

func TestAgentScansOnTaskNotification(t *testing.T) {
	bus := notify.NewMemoryBus(notify.DefaultConfig())
	t.Cleanup(func() { _ = bus.Close() })
	reg := ledger.NewMemoryLedger(ledger.Config{Publisher: bus})
	t.Cleanup(func() { _ = reg.Close() })

	requester := newPoster(t, reg, "requester")
	fund(t, reg, "worker-a", board.Credits(1))

	// A poll interval far beyond the test timeout: only the
	// notification nudge can drive the scan that finds the task.
	config := testConfig("worker-a", reg)
	config.PollInterval = time.Minute
	config.Bus = bus
	agent := startAgent(t, config)

	requester.post(t, reg, "isprime", "97", mustAmount(t, "0.01"))

	ev := waitEvent(t, agent.Events(), EventCompleted, 5*time.Second)
	task, err := reg.GetTask(context.Background(), ev.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if string(task.Result) != "true" {
		t.Errorf("result = %q, want true", task.Result)
	}
}

func TestAdvanceWatermark(t *testing.T) {
	reg := ledger.NewMemoryLedger(ledger.Config{})
	t.Cleanup(func() { _ = reg.Close() })

	mk := func(id board.TaskID, worker, requester board.Identity, completed bool) *board.Task {
		return &board.Task{ID: id, Requester: requester, Worker: worker, Completed: completed}
	}

	tests := []struct {
		name   string
		start  board.TaskID
		claims []board.TaskID
		lost   []board.TaskID
		window []*board.Task
		want   board.TaskID
	}{
		{
			name:   "all completed",
			window: []*board.Task{mk(1, "x", "r", true), mk(2, "y", "r", true), mk(3, "x", "r", true)},
			want:   3,
		},
		{
			name:   "stops at open task",
			window: []*board.Task{mk(1, "x", "r", true), mk(2, board.Unclaimed, "r", false), mk(3, "x", "r", true)},
			want:   1,
		},
		{
			name:   "jumps over tasks that rolled out of the window",
			window: []*board.Task{mk(5, "x", "r", true), mk(6, board.Unclaimed, "r", false)},
			want:   5,
		},
		{
			name:   "active claim pins the mark",
			claims: []board.TaskID{2},
			window: []*board.Task{mk(1, "x", "r", true), mk(2, "w", "r", false), mk(3, "x", "r", true)},
			want:   1,
		},
		{
			name:   "own posted task is out of play",
			window: []*board.Task{mk(1, board.Unclaimed, "w", false), mk(2, "x", "r", true)},
			want:   2,
		},
		{
			name:   "mine without local state is settled",
			window: []*board.Task{mk(1, "w", "r", false), mk(2, board.Unclaimed, "r", false)},
			want:   1,
		},
		{
			name:   "lost race counts as settled",
			lost:   []board.TaskID{1},
			window: []*board.Task{mk(1, board.Unclaimed, "r", false), mk(2, "x", "r", true)},
			want:   2,
		},
		{
			name:   "rival claim counts as settled",
			window: []*board.Task{mk(1, "rival", "r", false), mk(2, "x", "r", true)},
			want:   2,
		},
		{
			name:   "never regresses",
			start:  7,
			window: []*board.Task{mk(5, "x", "r", true), mk(6, board.Unclaimed, "r", false)},
			want:   7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, err := NewAgent(testConfig("w", reg))
			if err != nil {
				t.Fatalf("new agent: %v", err)
			}
			agent.lastProcessed = tt.start
			for _, id := range tt.claims {
				agent.claims[id] = &claimState{}
			}
			lost := make(map[board.TaskID]bool)
			for _, id := range tt.lost {
				lost[id] = true
			}

			agent.advanceWatermark(tt.window, lost)

			if got := agent.LastProcessed(); got != tt.want {
				t.Errorf("watermark = %d, want %d", got, tt.want)
			}
		})
	}
}
