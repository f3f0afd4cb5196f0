package notify

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boardkit/boardkit/board"
)

// Common errors.
var (
	ErrClosed      = errors.New("notifier closed")
	ErrInvalidKind = errors.New("invalid notification kind")
)

// Kind names a notification class.
type Kind string

const (
	// KindTaskCreated announces a freshly posted task.
	KindTaskCreated Kind = "created"

	// KindTaskClaimed announces a claim landing.
	KindTaskClaimed Kind = "claimed"

	// KindTaskCompleted announces an accepted result.
	KindTaskCompleted Kind = "completed"

	// KindWorkerStatus carries a worker's periodic status beacon.
	KindWorkerStatus Kind = "status"

	// KindAll subscribes to every notification.
	KindAll Kind = "all"
)

// Subjects for each kind. Task lifecycle lives under board.tasks,
// worker beacons under board.workers.
const (
	subjectTaskCreated   = "board.tasks.created"
	subjectTaskClaimed   = "board.tasks.claimed"
	subjectTaskCompleted = "board.tasks.completed"
	subjectWorkerStatus  = "board.workers.status"
	subjectAll           = "board.>"
)

// subjectFor maps a kind to its subject.
func subjectFor(kind Kind) (string, error) {
	switch kind {
	case KindTaskCreated:
		return subjectTaskCreated, nil
	case KindTaskClaimed:
		return subjectTaskClaimed, nil
	case KindTaskCompleted:
		return subjectTaskCompleted, nil
	case KindWorkerStatus:
		return subjectWorkerStatus, nil
	case KindAll:
		return subjectAll, nil
	default:
		return "", ErrInvalidKind
	}
}

// matchSubject reports whether a subscription pattern captures a
// subject. Patterns are exact subjects or a trailing ">" wildcard
// segment, mirroring the subset of NATS matching used here.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, pattern[:len(pattern)-1])
	}
	return false
}

// WorkerStatus is the payload of a status beacon.
type WorkerStatus struct {
	Spendable     string `json:"spendable"`
	Accrued       string `json:"accrued"`
	ActiveClaims  int    `json:"active_claims"`
	LastProcessed uint64 `json:"last_processed"`
}

// Notification is an informational broadcast about board activity.
// Delivery is best effort: the protocol's correctness rests on polling
// alone, and nothing may depend on a notification arriving.
type Notification struct {
	// ID uniquely identifies this notification instance.
	ID string `json:"id"`

	// Kind is the notification class.
	Kind Kind `json:"kind"`

	// TaskID is the subject task, 0 for worker beacons.
	TaskID board.TaskID `json:"task_id,omitempty"`

	// Requester posted the task, when relevant.
	Requester board.Identity `json:"requester,omitempty"`

	// Worker claimed or completed the task, or sent the beacon.
	Worker board.Identity `json:"worker,omitempty"`

	// FuncType of the subject task, when relevant.
	FuncType string `json:"func_type,omitempty"`

	// Reward of the subject task in decimal credits, when relevant.
	Reward string `json:"reward,omitempty"`

	// Status is the beacon payload for KindWorkerStatus.
	Status *WorkerStatus `json:"status,omitempty"`

	// At is when the notification was built.
	At time.Time `json:"at"`
}

// TaskCreated builds a creation notification from a task snapshot.
func TaskCreated(t *board.Task) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Kind:      KindTaskCreated,
		TaskID:    t.ID,
		Requester: t.Requester,
		FuncType:  t.FuncType,
		Reward:    t.Reward.String(),
		At:        time.Now().UTC(),
	}
}

// TaskClaimed builds a claim notification.
func TaskClaimed(id board.TaskID, worker board.Identity) *Notification {
	return &Notification{
		ID:     uuid.NewString(),
		Kind:   KindTaskClaimed,
		TaskID: id,
		Worker: worker,
		At:     time.Now().UTC(),
	}
}

// TaskCompleted builds a completion notification.
func TaskCompleted(id board.TaskID, worker board.Identity, reward board.Amount) *Notification {
	return &Notification{
		ID:     uuid.NewString(),
		Kind:   KindTaskCompleted,
		TaskID: id,
		Worker: worker,
		Reward: reward.String(),
		At:     time.Now().UTC(),
	}
}

// StatusBeacon builds a worker status beacon.
func StatusBeacon(worker board.Identity, status WorkerStatus) *Notification {
	return &Notification{
		ID:     uuid.NewString(),
		Kind:   KindWorkerStatus,
		Worker: worker,
		Status: &status,
		At:     time.Now().UTC(),
	}
}

// Publisher is the write half used by ledgers and reporters. A nil or
// absent publisher is always legal; publishing failures are the
// caller's to log and swallow.
type Publisher interface {
	Publish(n *Notification) error
}

// Bus provides publish and subscribe over notifications.
type Bus interface {
	Publisher

	// Subscribe creates a subscription to one kind, or all of them
	// with KindAll.
	Subscribe(kind Kind) (Subscription, error)

	// Close shuts down the bus.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Notifications returns the channel of incoming notifications.
	// The channel is closed when the subscription ends.
	Notifications() <-chan *Notification

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common notifier configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}
