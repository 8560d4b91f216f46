package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type instanceStartedEntry struct {
	name string
	hook InstanceStarted
}

type instanceCompletedEntry struct {
	name string
	hook InstanceCompleted
}

type instanceCancelledEntry struct {
	name string
	hook InstanceCancelled
}

type stepStartedEntry struct {
	name string
	hook StepStarted
}

type stepCompletedEntry struct {
	name string
	hook StepCompleted
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type stepRetryingEntry struct {
	name string
	hook StepRetrying
}

type triggerFiredEntry struct {
	name string
	hook TriggerFired
}

type staleDeliveryEntry struct {
	name string
	hook StaleDelivery
}

type deadLetteredEntry struct {
	name string
	hook DeadLettered
}

type cronFiredEntry struct {
	name string
	hook CronFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	instanceStarted   []instanceStartedEntry
	instanceCompleted []instanceCompletedEntry
	instanceCancelled []instanceCancelledEntry
	stepStarted       []stepStartedEntry
	stepCompleted     []stepCompletedEntry
	stepFailed        []stepFailedEntry
	stepRetrying      []stepRetryingEntry
	triggerFired      []triggerFiredEntry
	staleDelivery     []staleDeliveryEntry
	deadLettered      []deadLetteredEntry
	cronFired         []cronFiredEntry
	shutdown          []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(InstanceStarted); ok {
		r.instanceStarted = append(r.instanceStarted, instanceStartedEntry{name, h})
	}
	if h, ok := e.(InstanceCompleted); ok {
		r.instanceCompleted = append(r.instanceCompleted, instanceCompletedEntry{name, h})
	}
	if h, ok := e.(InstanceCancelled); ok {
		r.instanceCancelled = append(r.instanceCancelled, instanceCancelledEntry{name, h})
	}
	if h, ok := e.(StepStarted); ok {
		r.stepStarted = append(r.stepStarted, stepStartedEntry{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, stepCompletedEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(StepRetrying); ok {
		r.stepRetrying = append(r.stepRetrying, stepRetryingEntry{name, h})
	}
	if h, ok := e.(TriggerFired); ok {
		r.triggerFired = append(r.triggerFired, triggerFiredEntry{name, h})
	}
	if h, ok := e.(StaleDelivery); ok {
		r.staleDelivery = append(r.staleDelivery, staleDeliveryEntry{name, h})
	}
	if h, ok := e.(DeadLettered); ok {
		r.deadLettered = append(r.deadLettered, deadLetteredEntry{name, h})
	}
	if h, ok := e.(CronFired); ok {
		r.cronFired = append(r.cronFired, cronFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Instance event emitters
// ──────────────────────────────────────────────────

// EmitInstanceStarted notifies all extensions that implement InstanceStarted.
func (r *Registry) EmitInstanceStarted(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceStarted {
		if err := e.hook.OnInstanceStarted(ctx, inst); err != nil {
			r.logHookError("OnInstanceStarted", e.name, err)
		}
	}
}

// EmitInstanceCompleted notifies all extensions that implement InstanceCompleted.
func (r *Registry) EmitInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) {
	for _, e := range r.instanceCompleted {
		if err := e.hook.OnInstanceCompleted(ctx, inst, elapsed); err != nil {
			r.logHookError("OnInstanceCompleted", e.name, err)
		}
	}
}

// EmitInstanceCancelled notifies all extensions that implement InstanceCancelled.
func (r *Registry) EmitInstanceCancelled(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceCancelled {
		if err := e.hook.OnInstanceCancelled(ctx, inst); err != nil {
			r.logHookError("OnInstanceCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepStarted notifies all extensions that implement StepStarted.
func (r *Registry) EmitStepStarted(ctx context.Context, inv *timer.Invocation, attempt int) {
	for _, e := range r.stepStarted {
		if err := e.hook.OnStepStarted(ctx, inv, attempt); err != nil {
			r.logHookError("OnStepStarted", e.name, err)
		}
	}
}

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, inv *timer.Invocation, attempt int, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, inv, attempt, elapsed); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, inv *timer.Invocation, attempt int, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, inv, attempt, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitStepRetrying notifies all extensions that implement StepRetrying.
func (r *Registry) EmitStepRetrying(ctx context.Context, inv *timer.Invocation, attempt int, nextDueAt time.Time) {
	for _, e := range r.stepRetrying {
		if err := e.hook.OnStepRetrying(ctx, inv, attempt, nextDueAt); err != nil {
			r.logHookError("OnStepRetrying", e.name, err)
		}
	}
}

// EmitTriggerFired notifies all extensions that implement TriggerFired.
func (r *Registry) EmitTriggerFired(ctx context.Context, inv *timer.Invocation, target string, dueAt time.Time) {
	for _, e := range r.triggerFired {
		if err := e.hook.OnTriggerFired(ctx, inv, target, dueAt); err != nil {
			r.logHookError("OnTriggerFired", e.name, err)
		}
	}
}

// EmitStaleDelivery notifies all extensions that implement StaleDelivery.
func (r *Registry) EmitStaleDelivery(ctx context.Context, inv *timer.Invocation) {
	for _, e := range r.staleDelivery {
		if err := e.hook.OnStaleDelivery(ctx, inv); err != nil {
			r.logHookError("OnStaleDelivery", e.name, err)
		}
	}
}

// EmitDeadLettered notifies all extensions that implement DeadLettered.
func (r *Registry) EmitDeadLettered(ctx context.Context, inv *timer.Invocation, stepErr error) {
	for _, e := range r.deadLettered {
		if err := e.hook.OnDeadLettered(ctx, inv, stepErr); err != nil {
			r.logHookError("OnDeadLettered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitCronFired notifies all extensions that implement CronFired.
func (r *Registry) EmitCronFired(ctx context.Context, entryName string, instanceID id.InstanceID) {
	for _, e := range r.cronFired {
		if err := e.hook.OnCronFired(ctx, entryName, instanceID); err != nil {
			r.logHookError("OnCronFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the engine.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
