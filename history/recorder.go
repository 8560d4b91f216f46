package history

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadehq/cascade/ext"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Recorder)(nil)
	_ ext.InstanceStarted   = (*Recorder)(nil)
	_ ext.InstanceCompleted = (*Recorder)(nil)
	_ ext.InstanceCancelled = (*Recorder)(nil)
	_ ext.StepStarted       = (*Recorder)(nil)
	_ ext.StepCompleted     = (*Recorder)(nil)
	_ ext.StepFailed        = (*Recorder)(nil)
	_ ext.StepRetrying      = (*Recorder)(nil)
	_ ext.TriggerFired      = (*Recorder)(nil)
	_ ext.StaleDelivery     = (*Recorder)(nil)
	_ ext.DeadLettered      = (*Recorder)(nil)
)

// Recorder is an extension that appends a history event for each lifecycle
// hook. Errors are returned to the ext registry, which logs them without
// affecting workflow progress.
type Recorder struct {
	store Store
}

// NewRecorder creates a history recorder writing to the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Name implements ext.Extension.
func (r *Recorder) Name() string { return "history" }

// ── Instance lifecycle hooks ────────────────────────

// OnInstanceStarted implements ext.InstanceStarted.
func (r *Recorder) OnInstanceStarted(ctx context.Context, inst *instance.Instance) error {
	return r.append(ctx, inst.ID, KindInstanceStarted, "", 0, inst.Type)
}

// OnInstanceCompleted implements ext.InstanceCompleted.
func (r *Recorder) OnInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error {
	return r.append(ctx, inst.ID, KindInstanceCompleted, "", 0,
		fmt.Sprintf("after %s", elapsed.Round(time.Millisecond)))
}

// OnInstanceCancelled implements ext.InstanceCancelled.
func (r *Recorder) OnInstanceCancelled(ctx context.Context, inst *instance.Instance) error {
	return r.append(ctx, inst.ID, KindInstanceCancelled, "", 0, "")
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepStarted implements ext.StepStarted.
func (r *Recorder) OnStepStarted(ctx context.Context, inv *timer.Invocation, attempt int) error {
	return r.append(ctx, inv.InstanceID, KindStepStarted, inv.StepID, attempt, "")
}

// OnStepCompleted implements ext.StepCompleted.
func (r *Recorder) OnStepCompleted(ctx context.Context, inv *timer.Invocation, attempt int, elapsed time.Duration) error {
	return r.append(ctx, inv.InstanceID, KindStepCompleted, inv.StepID, attempt,
		fmt.Sprintf("in %s", elapsed.Round(time.Millisecond)))
}

// OnStepFailed implements ext.StepFailed.
func (r *Recorder) OnStepFailed(ctx context.Context, inv *timer.Invocation, attempt int, stepErr error) error {
	return r.append(ctx, inv.InstanceID, KindStepFailed, inv.StepID, attempt, stepErr.Error())
}

// OnStepRetrying implements ext.StepRetrying.
func (r *Recorder) OnStepRetrying(ctx context.Context, inv *timer.Invocation, attempt int, nextDueAt time.Time) error {
	return r.append(ctx, inv.InstanceID, KindStepRetrying, inv.StepID, attempt,
		fmt.Sprintf("next attempt at %s", nextDueAt.Format(time.RFC3339)))
}

// OnTriggerFired implements ext.TriggerFired. The event is recorded against
// the target step, with the firing step named in the detail.
func (r *Recorder) OnTriggerFired(ctx context.Context, inv *timer.Invocation, target string, dueAt time.Time) error {
	return r.append(ctx, inv.InstanceID, KindStepScheduled, target, 0,
		fmt.Sprintf("triggered by %s, due at %s", inv.StepID, dueAt.Format(time.RFC3339)))
}

// OnStaleDelivery implements ext.StaleDelivery.
func (r *Recorder) OnStaleDelivery(ctx context.Context, inv *timer.Invocation) error {
	return r.append(ctx, inv.InstanceID, KindStaleDelivery, inv.StepID, 0, "discarded")
}

// OnDeadLettered implements ext.DeadLettered.
func (r *Recorder) OnDeadLettered(ctx context.Context, inv *timer.Invocation, stepErr error) error {
	return r.append(ctx, inv.InstanceID, KindDeadLettered, inv.StepID, 0, stepErr.Error())
}

// ── Internal helpers ────────────────────────────────

func (r *Recorder) append(ctx context.Context, instanceID id.InstanceID, kind Kind, stepID string, attempt int, detail string) error {
	return r.store.AppendEvent(ctx, &Event{
		ID:         id.NewEventID(),
		InstanceID: instanceID,
		Kind:       kind,
		StepID:     stepID,
		Attempt:    attempt,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	})
}
