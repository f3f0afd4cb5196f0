package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/notify"
)

func TestMemoryLedgerConformance(t *testing.T) {
	runRegistryConformance(t, func(t *testing.T) board.Registry {
		reg := NewMemoryLedger(DefaultConfig())
		t.Cleanup(func() { reg.Close() })
		return reg
	})
}

func TestMemoryLedgerDefaultFeeFloor(t *testing.T) {
	reg := NewMemoryLedger(Config{})
	defer reg.Close()

	fee, err := reg.SuggestedFee(context.Background())
	if err != nil {
		t.Fatalf("SuggestedFee error: %v", err)
	}
	if fee != DefaultBaseFee {
		t.Errorf("fee floor = %s, want %s", fee, DefaultBaseFee)
	}
}

func TestMemoryLedgerNotifications(t *testing.T) {
	ctx := context.Background()

	bus := notify.NewMemoryBus(notify.DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe(notify.KindAll)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Publisher = bus
	reg := NewMemoryLedger(cfg)
	defer reg.Close()

	req := newCaller(t, reg, "req-1", board.Credits(10))
	w := newCaller(t, reg, "w-a", board.Credits(1))

	id := submitTask(t, reg, req, "double", []byte("42"), board.Credits(1))
	if err := reg.ClaimTask(ctx, w.next(), id); err != nil {
		t.Fatalf("ClaimTask error: %v", err)
	}
	if err := reg.SubmitResult(ctx, w.next(), id, []byte("84")); err != nil {
		t.Fatalf("SubmitResult error: %v", err)
	}

	wantKinds := []notify.Kind{notify.KindTaskCreated, notify.KindTaskClaimed, notify.KindTaskCompleted}
	for _, want := range wantKinds {
		select {
		case n := <-sub.Notifications():
			if n.Kind != want {
				t.Errorf("notification kind = %q, want %q", n.Kind, want)
			}
			if n.TaskID != id {
				t.Errorf("notification task = %d, want %d", n.TaskID, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q notification", want)
		}
	}
}

func TestMemoryLedgerConcurrentSubmits(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryLedger(DefaultConfig())
	defer reg.Close()

	const (
		requesters = 8
		each       = 5
	)

	var wg sync.WaitGroup
	for i := 0; i < requesters; i++ {
		id := board.Identity(fmt.Sprintf("req-%d", i))
		if err := reg.Fund(ctx, id, board.Credits(10)); err != nil {
			t.Fatalf("Fund error: %v", err)
		}
		wg.Add(1)
		go func(id board.Identity) {
			defer wg.Done()
			for n := uint64(0); n < each; n++ {
				call := board.Call{From: id, Nonce: n, FeeBid: DefaultBaseFee}
				if _, err := reg.SubmitTask(ctx, call, "echo", []byte("x"), board.Credits(1)); err != nil {
					t.Errorf("SubmitTask(%s, %d) error: %v", id, n, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	count, err := reg.TaskCount(ctx)
	if err != nil {
		t.Fatalf("TaskCount error: %v", err)
	}
	if count != requesters*each {
		t.Fatalf("TaskCount = %d, want %d", count, requesters*each)
	}

	// ids are dense: every id from 1 to count resolves
	for id := board.TaskID(1); uint64(id) <= count; id++ {
		if _, err := reg.GetTask(ctx, id); err != nil {
			t.Errorf("GetTask(%d) error: %v", id, err)
		}
	}
}

func TestMemoryLedgerFundAccumulates(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryLedger(DefaultConfig())
	defer reg.Close()

	if err := reg.Fund(ctx, "w-a", board.Credits(1)); err != nil {
		t.Fatalf("Fund error: %v", err)
	}
	if err := reg.Fund(ctx, "w-a", board.Credits(2)); err != nil {
		t.Fatalf("Fund error: %v", err)
	}

	funds, err := reg.SpendableFunds(ctx, "w-a")
	if err != nil {
		t.Fatalf("SpendableFunds error: %v", err)
	}
	if funds != board.Credits(3) {
		t.Errorf("funds = %s, want %s", funds, board.Credits(3))
	}
}
