// Package worker implements the board agent: a poll loop that claims
// open tasks, executes their payloads, and submits results for reward.
//
// The board is the only coordination point. Agents never talk to each
// other. They discover work by polling the newest window of tasks,
// race rivals for unclaimed ones through nonce-ordered claim calls,
// and learn the outcome from which call the board admitted first.
//
// One Agent owns one identity. Each tick its loop:
//
//   - re-dispatches claimed tasks whose execution or submission is
//     still outstanding,
//   - fetches the newest Window tasks and skips everything at or
//     below its high-water mark,
//   - claims the claimable ones, raising its fee bid between retries
//     after an ordering conflict and halting claims for the rest of
//     the tick when funds run out,
//   - advances the high-water mark over the leading run of tasks that
//     need nothing further from this agent.
//
// Execution runs asynchronously per claimed task. A finished result
// is submitted with a fresh nonce; if the submission hits an ordering
// conflict the result is kept and resubmitted next tick without
// re-executing. A failed execution is logged and dropped. The claim
// is not released: the task stays visibly claimed and incomplete.
//
// Usage:
//
//	agent, err := worker.NewAgent(worker.Config{
//		Identity: "worker-a",
//		Registry: reg,
//		Executor: executor.NewLocalExecutor(executor.DefaultConfig()),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := agent.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer agent.Stop()
//
// Stop halts the loop, cancels in-flight executions, and waits for
// them to unwind.
package worker
