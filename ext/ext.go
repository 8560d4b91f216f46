package ext

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Instance lifecycle hooks
// ──────────────────────────────────────────────────

// InstanceStarted is called after a new workflow instance is created and
// its entry step is scheduled.
type InstanceStarted interface {
	OnInstanceStarted(ctx context.Context, inst *instance.Instance) error
}

// InstanceCompleted is called when an instance transitions to COMPLETED
// because no pending work remains.
type InstanceCompleted interface {
	OnInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error
}

// InstanceCancelled is called when an instance is externally cancelled.
type InstanceCancelled interface {
	OnInstanceCancelled(ctx context.Context, inst *instance.Instance) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepStarted is called when a worker begins executing a delivered step.
type StepStarted interface {
	OnStepStarted(ctx context.Context, inv *timer.Invocation, attempt int) error
}

// StepCompleted is called after a step execution succeeds.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, inv *timer.Invocation, attempt int, elapsed time.Duration) error
}

// StepFailed is called when a step execution fails. With a retry policy
// attached, this fires for every failing attempt, including the last.
type StepFailed interface {
	OnStepFailed(ctx context.Context, inv *timer.Invocation, attempt int, err error) error
}

// StepRetrying is called when a failed step is scheduled for another
// attempt.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, inv *timer.Invocation, attempt int, nextDueAt time.Time) error
}

// TriggerFired is called for each trigger that matches a step's outcome,
// after the target invocation has been scheduled.
type TriggerFired interface {
	OnTriggerFired(ctx context.Context, inv *timer.Invocation, target string, dueAt time.Time) error
}

// StaleDelivery is called when a delivered invocation references a missing
// or already-completed instance and is discarded.
type StaleDelivery interface {
	OnStaleDelivery(ctx context.Context, inv *timer.Invocation) error
}

// DeadLettered is called when a step exhausts its retry policy and the
// failure is recorded as a dead letter.
type DeadLettered interface {
	OnDeadLettered(ctx context.Context, inv *timer.Invocation, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a cron entry fires and starts a workflow
// instance.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string, instanceID id.InstanceID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
