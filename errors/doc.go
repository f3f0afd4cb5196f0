// Package errors provides a structured error taxonomy for the boardkit
// protocol. It defines the codes and categories the worker loop uses to
// decide whether a failed call should be retried, abandoned, or treated
// as fatal for the current tick.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (stale nonce, outbid fee, network issues)
//   - Permanent: Failures where retry will not help (lost claim race, invalid task id, failed execution)
//   - Resource: Resource exhaustion (insufficient spendable funds)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Contention
//
// Claim races and submission ordering conflicts are expected outcomes of
// multiple workers sharing one board, not faults. IsContention identifies
// them so callers can log at reduced severity, and IsOrderingConflict
// identifies the subset worth retrying after a sequence resync. A lost
// claim race is contention but never an ordering conflict: the task is
// gone and no retry can win it back.
//
// # Usage
//
// Create a new error:
//
//	err := errors.AlreadyClaimed(taskID)
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "claiming task")
//
// Branch on the outcome:
//
//	if errors.IsOrderingConflict(err) {
//	    // resync the allocator and retry with a higher bid
//	}
//
// # JSON Serialization
//
// All errors support JSON serialization for logging and notifications:
//
//	data, err := json.Marshal(boardErr)
//
// Errors can be deserialized back:
//
//	var boardErr errors.Error
//	json.Unmarshal(data, &boardErr)
package errors
