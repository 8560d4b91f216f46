package history

import (
	"time"

	"github.com/cascadehq/cascade/id"
)

// Kind classifies a history event.
type Kind string

const (
	KindInstanceStarted   Kind = "instance.started"
	KindInstanceCompleted Kind = "instance.completed"
	KindInstanceCancelled Kind = "instance.cancelled"
	KindStepScheduled     Kind = "step.scheduled"
	KindStepStarted       Kind = "step.started"
	KindStepCompleted     Kind = "step.completed"
	KindStepFailed        Kind = "step.failed"
	KindStepRetrying      Kind = "step.retrying"
	KindStaleDelivery     Kind = "delivery.stale"
	KindDeadLettered      Kind = "step.dead_lettered"
)

// Event is one entry in an instance's immutable history log.
type Event struct {
	ID         id.EventID    `json:"id"`
	InstanceID id.InstanceID `json:"instance_id"`
	Kind       Kind          `json:"kind"`

	// StepID is the step the event concerns, empty for instance-level
	// events.
	StepID string `json:"step_id,omitempty"`

	// Attempt is the 1-based attempt number for step-level events.
	Attempt int `json:"attempt,omitempty"`

	// Detail carries human-readable context: the error message for
	// failures, the scheduling reason for step.scheduled, the next due
	// time for retries.
	Detail string `json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
