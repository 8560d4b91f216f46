// Package stream provides a real-time event broker for Cascade lifecycle
// events. It bridges the ext.Extension system to connected clients via
// topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Instance events.
	EventInstanceStarted   EventType = "instance.started"
	EventInstanceCompleted EventType = "instance.completed"
	EventInstanceCancelled EventType = "instance.cancelled"

	// Step events.
	EventStepStarted      EventType = "step.started"
	EventStepCompleted    EventType = "step.completed"
	EventStepFailed       EventType = "step.failed"
	EventStepRetrying     EventType = "step.retrying"
	EventStepScheduled    EventType = "step.scheduled"
	EventStepDeadLettered EventType = "step.dead_lettered"

	// Delivery events.
	EventDeliveryStale EventType = "delivery.stale"

	// Cron events.
	EventCronFired EventType = "cron.fired"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// InstanceEventData is the payload for instance lifecycle events.
type InstanceEventData struct {
	InstanceID   string `json:"instance_id"`
	WorkflowType string `json:"workflow_type"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty"`
}

// StepEventData is the payload for step and delivery lifecycle events.
type StepEventData struct {
	InstanceID   string `json:"instance_id"`
	WorkflowType string `json:"workflow_type"`
	StepID       string `json:"step_id"`
	Attempt      int    `json:"attempt,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty"`
	Error        string `json:"error,omitempty"`
	Target       string `json:"target,omitempty"`
	DueAt        string `json:"due_at,omitempty"`
}

// CronEventData is the payload for cron lifecycle events.
type CronEventData struct {
	EntryName  string `json:"entry_name"`
	InstanceID string `json:"instance_id"`
}
