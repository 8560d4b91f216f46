package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/ext"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Extension)(nil)
	_ ext.InstanceStarted   = (*Extension)(nil)
	_ ext.InstanceCompleted = (*Extension)(nil)
	_ ext.InstanceCancelled = (*Extension)(nil)
	_ ext.StepStarted       = (*Extension)(nil)
	_ ext.StepCompleted     = (*Extension)(nil)
	_ ext.StepFailed        = (*Extension)(nil)
	_ ext.StepRetrying      = (*Extension)(nil)
	_ ext.DeadLettered      = (*Extension)(nil)
	_ ext.StaleDelivery     = (*Extension)(nil)
	_ ext.CronFired         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement. It is
// defined locally so that the audit package does not import any particular
// trail implementation — callers inject their backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is a backend-neutral audit record. Callers provide a RecorderFunc
// adapter that maps it onto their audit store's schema.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
//
// Example:
//
//	audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    row := trailEvent(evt.Action, evt.Resource, evt.ResourceID)
//	    for k, v := range evt.Metadata {
//	        row.Set(k, v)
//	    }
//	    return trail.Insert(ctx, row)
//	})
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Cascade lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Instance lifecycle hooks ────────────────────────

// OnInstanceStarted implements ext.InstanceStarted.
func (e *Extension) OnInstanceStarted(ctx context.Context, inst *instance.Instance) error {
	return e.record(ctx, ActionInstanceStarted, SeverityInfo, OutcomeSuccess,
		ResourceInstance, inst.ID.String(), CategoryInstance, nil,
		"workflow_type", inst.Type,
	)
}

// OnInstanceCompleted implements ext.InstanceCompleted.
func (e *Extension) OnInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error {
	return e.record(ctx, ActionInstanceCompleted, SeverityInfo, OutcomeSuccess,
		ResourceInstance, inst.ID.String(), CategoryInstance, nil,
		"workflow_type", inst.Type,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnInstanceCancelled implements ext.InstanceCancelled.
func (e *Extension) OnInstanceCancelled(ctx context.Context, inst *instance.Instance) error {
	return e.record(ctx, ActionInstanceCancelled, SeverityWarning, OutcomeSuccess,
		ResourceInstance, inst.ID.String(), CategoryInstance, nil,
		"workflow_type", inst.Type,
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepStarted implements ext.StepStarted.
func (e *Extension) OnStepStarted(ctx context.Context, inv *timer.Invocation, attempt int) error {
	return e.record(ctx, ActionStepStarted, SeverityInfo, OutcomeSuccess,
		ResourceStep, inv.ID.String(), CategoryStep, nil,
		"instance_id", inv.InstanceID.String(),
		"workflow_type", inv.WorkflowType,
		"step_id", inv.StepID,
		"attempt", attempt,
	)
}

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, inv *timer.Invocation, attempt int, elapsed time.Duration) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceStep, inv.ID.String(), CategoryStep, nil,
		"instance_id", inv.InstanceID.String(),
		"workflow_type", inv.WorkflowType,
		"step_id", inv.StepID,
		"attempt", attempt,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, inv *timer.Invocation, attempt int, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityWarning, OutcomeFailure,
		ResourceStep, inv.ID.String(), CategoryStep, stepErr,
		"instance_id", inv.InstanceID.String(),
		"workflow_type", inv.WorkflowType,
		"step_id", inv.StepID,
		"attempt", attempt,
	)
}

// OnStepRetrying implements ext.StepRetrying.
func (e *Extension) OnStepRetrying(ctx context.Context, inv *timer.Invocation, attempt int, nextDueAt time.Time) error {
	return e.record(ctx, ActionStepRetrying, SeverityWarning, OutcomeFailure,
		ResourceStep, inv.ID.String(), CategoryStep, nil,
		"instance_id", inv.InstanceID.String(),
		"workflow_type", inv.WorkflowType,
		"step_id", inv.StepID,
		"attempt", attempt,
		"next_due_at", nextDueAt.Format(time.RFC3339),
	)
}

// OnDeadLettered implements ext.DeadLettered.
func (e *Extension) OnDeadLettered(ctx context.Context, inv *timer.Invocation, stepErr error) error {
	return e.record(ctx, ActionStepDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceStep, inv.ID.String(), CategoryStep, stepErr,
		"instance_id", inv.InstanceID.String(),
		"workflow_type", inv.WorkflowType,
		"step_id", inv.StepID,
	)
}

// OnStaleDelivery implements ext.StaleDelivery.
func (e *Extension) OnStaleDelivery(ctx context.Context, inv *timer.Invocation) error {
	return e.record(ctx, ActionDeliveryStale, SeverityWarning, OutcomeFailure,
		ResourceStep, inv.ID.String(), CategoryStep, nil,
		"instance_id", inv.InstanceID.String(),
		"step_id", inv.StepID,
	)
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements ext.CronFired.
func (e *Extension) OnCronFired(ctx context.Context, entryName string, instanceID id.InstanceID) error {
	return e.record(ctx, ActionCronFired, SeverityInfo, OutcomeSuccess,
		ResourceCron, entryName, CategoryCron, nil,
		"instance_id", instanceID.String(),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	// Audit failures must not block the scheduling pipeline.
	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
