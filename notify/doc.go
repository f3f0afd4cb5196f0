// Package notify broadcasts informational notifications about board
// activity: task creation, claims, completions, and worker status
// beacons.
//
// # Delivery Contract
//
// Notifications are strictly informational. The board protocol's
// correctness rests on polling the registry alone; push delivery is
// unreliable on some deployments and nothing in the worker loop may
// depend on a notification arriving. Publishers drop into full
// buffers rather than block, and publish failures are logged and
// swallowed by callers.
//
// # Available Implementations
//
//   - NATSBus: networked fan-out using NATS, JSON payloads
//   - MemoryBus: in-memory implementation for testing and single-process boards
//
// # Usage
//
// Observing completions:
//
//	sub, _ := bus.Subscribe(notify.KindTaskCompleted)
//	for n := range sub.Notifications() {
//	    fmt.Println(n.TaskID, n.Worker)
//	}
//
// Everything at once (the watch CLI):
//
//	sub, _ := bus.Subscribe(notify.KindAll)
package notify
