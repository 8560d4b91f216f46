// Package ext defines the extension system for Cascade.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, streaming updates, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnStepCompleted(ctx context.Context, inv *timer.Invocation, attempt int, elapsed time.Duration) error {
//	    log.Printf("step %s completed in %s", inv.StepID, elapsed)
//	    return nil
//	}
//
// # Instance Lifecycle Hooks
//
//   - [InstanceStarted] — a new workflow instance was created
//   - [InstanceCompleted] — an instance finished with no pending work left
//   - [InstanceCancelled] — an instance was cancelled externally
//
// # Step Lifecycle Hooks
//
//   - [StepStarted] — a worker began executing a delivered step
//   - [StepCompleted] — a step execution succeeded
//   - [StepFailed] — a step execution failed (fires on every failing attempt)
//   - [StepRetrying] — a failed step was scheduled for another attempt
//   - [TriggerFired] — a matching trigger scheduled its target step
//   - [StaleDelivery] — a delivery referenced a missing or completed instance
//   - [DeadLettered] — a step exhausted its retry policy
//
// # Other Hooks
//
//   - [CronFired] — a cron entry fired and started a workflow instance
//   - [Shutdown] — the scheduler is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
