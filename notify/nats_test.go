package notify

import (
	"os"
	"testing"
	"time"

	"github.com/boardkit/boardkit/board"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	// Skip if short mode or NATS not available
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	// Try to connect
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()

	return url
}

// --- Integration Tests ---

func TestNATSBus_PublishSubscribe(t *testing.T) {
	url := getNATSURL(t)

	cfg := DefaultNATSConfig()
	cfg.URL = url
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus failed: %v", err)
	}
	defer bus.Close()

	sub, err := bus.Subscribe(KindTaskCompleted)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Give the subscription a moment to register server-side
	time.Sleep(100 * time.Millisecond)

	if err := bus.Publish(TaskCompleted(5, "w-1", board.Credits(1))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case n := <-sub.Notifications():
		if n.Kind != KindTaskCompleted {
			t.Errorf("Kind = %v, want %v", n.Kind, KindTaskCompleted)
		}
		if n.TaskID != 5 || n.Worker != "w-1" {
			t.Errorf("got task %d worker %s, want 5 w-1", n.TaskID, n.Worker)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNATSBus_Wildcard(t *testing.T) {
	url := getNATSURL(t)

	cfg := DefaultNATSConfig()
	cfg.URL = url
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus failed: %v", err)
	}
	defer bus.Close()

	sub, err := bus.Subscribe(KindAll)
	if err != nil {
		t.Fatalf("Subscribe(KindAll) failed: %v", err)
	}
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	bus.Publish(TaskClaimed(1, "w-1"))
	bus.Publish(StatusBeacon("w-1", WorkerStatus{ActiveClaims: 1}))

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 2 {
		select {
		case <-sub.Notifications():
			received++
		case <-timeout:
			t.Fatalf("received %d of 2 notifications", received)
		}
	}
}

func TestNATSBus_InvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected connect error for unreachable server")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	url := getNATSURL(t)

	cfg := DefaultNATSConfig()
	cfg.URL = url
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus failed: %v", err)
	}
	bus.Close()

	if err := bus.Publish(TaskClaimed(1, "w-1")); err != ErrClosed {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
}
