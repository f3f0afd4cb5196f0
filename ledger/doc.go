// Package ledger provides board.Registry implementations.
//
// Every backend implements the same call-admission and state-transition
// semantics, verified by a shared conformance suite:
//
//   - Dense task ids from 1; GetLatestTasks returns an ascending suffix window
//   - First admitted claim wins; later claims fail board.ErrAlreadyClaimed
//   - SubmitResult credits the escrowed reward atomically with Completed
//   - Admission (identity, nonce, fee, funds) consumes nothing on rejection;
//     domain reverts after admission keep the nonce and fee consumed
//
// # Backends
//
//   - MemoryLedger: single-process, mutex-serialized (testing, examples)
//   - SQLiteLedger: modernc.org/sqlite, immediate transactions (single host)
//   - BoltLedger: go.etcd.io/bbolt, serializable update transactions
//   - RedisLedger: go-redis, WATCH/MULTI optimistic transactions (shared board)
//
// # Basic Usage
//
//	reg := ledger.NewMemoryLedger(ledger.DefaultConfig())
//	defer reg.Close()
//
//	reg.Fund(ctx, "requester-1", board.Credits(10))
//
//	call := board.Call{From: "requester-1", Nonce: 0, FeeBid: ledger.DefaultBaseFee}
//	id, err := reg.SubmitTask(ctx, call, "double", []byte("42"), board.Credits(1))
//
// Each backend optionally publishes created/claimed/completed notifications
// through a notify.Publisher after commit. Notifications are informational:
// workers must not rely on them for correctness.
//
// No backend releases or expires claims. A claimed task whose worker never
// submits a result stays claimed and incomplete forever.
package ledger
