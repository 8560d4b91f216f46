// Package audit is a Cascade extension that bridges lifecycle events to an
// immutable audit trail backend.
//
// Every instance, step, and cron lifecycle hook emits a structured audit
// event through the [Recorder] interface. The extension assigns appropriate
// severity levels (info for normal operations, warning for retries, critical
// for dead-lettered steps) and rich metadata (workflow type, step ID,
// attempt, elapsed time, errors).
//
// # Usage
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Write(ctx, evt.Action, evt.Resource, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionStepFailed,
//	        audit.ActionStepDeadLettered,
//	        audit.ActionInstanceCancelled,
//	    ),
//	)
package audit
