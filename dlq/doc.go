// Package dlq provides the dead letter queue for steps that have exhausted
// their retry budget. It supports inspection, replay, and purging.
//
// When a step fails and its retry policy has no attempts left, the worker
// calls [Service.Push] to record the terminal failure. The instance state,
// error message, and attempt counts are preserved for debugging. Dead
// lettering is a record, not a verdict: the step's FAILURE triggers still
// fire, so a workflow may route around the failure while the dead letter
// remains available for inspection.
//
// # Entry
//
// An [Entry] captures:
//   - InstanceID / WorkflowType / StepID: where the failure happened
//   - Handler: the handler that kept failing
//   - State: the instance state at the time of terminal failure
//   - Error: the final error message
//   - Attempts / MaxAttempts: the exhausted retry budget
//   - FailedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Service
//
// [Service] wraps the DLQ store with high-level operations:
//
//	svc := dlq.NewService(store, instanceStore, timerStore)
//
//	// Push is called automatically by the worker on terminal failure.
//	svc.Push(ctx, ex, err, maxAttempts)
//
//	// Access the underlying store for list/get/purge/count.
//	svc.DLQStore().ListDeadLetters(ctx, dlq.ListOpts{Limit: 50})
//	svc.DLQStore().PurgeDeadLetters(ctx, cutoff)
//
// # Replay
//
// Replaying an entry schedules a fresh invocation of the failed step on its
// original instance, due immediately. The step executes against the
// instance's current state, not the state captured at failure time. Replay
// fails with [cascade.ErrInstanceCompleted] if the instance has already
// finished.
//
// # Admin API
//
// The DLQ is exposed via the HTTP admin API:
//   - GET  /v1/dlq                 — list entries
//   - GET  /v1/dlq/:entryId        — get a single entry
//   - POST /v1/dlq/:entryId/replay — replay one entry
//   - POST /v1/dlq/purge           — purge old entries
//   - GET  /v1/dlq/count           — entry count
package dlq
