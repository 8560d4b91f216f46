package audit

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionInstanceStarted   = "instance.started"
	ActionInstanceCompleted = "instance.completed"
	ActionInstanceCancelled = "instance.cancelled"
	ActionStepStarted       = "step.started"
	ActionStepCompleted     = "step.completed"
	ActionStepFailed        = "step.failed"
	ActionStepRetrying      = "step.retrying"
	ActionStepDeadLettered  = "step.dead_lettered"
	ActionDeliveryStale     = "delivery.stale"
	ActionCronFired         = "cron.fired"
)

// Audit event categories group related actions.
const (
	CategoryInstance = "cascade.instance"
	CategoryStep     = "cascade.step"
	CategoryCron     = "cascade.cron"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceInstance = "workflow_instance"
	ResourceStep     = "step_invocation"
	ResourceCron     = "cron_entry"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionInstanceStarted,
		ActionInstanceCompleted,
		ActionInstanceCancelled,
		ActionStepStarted,
		ActionStepCompleted,
		ActionStepFailed,
		ActionStepRetrying,
		ActionStepDeadLettered,
		ActionDeliveryStale,
		ActionCronFired,
	}
}
