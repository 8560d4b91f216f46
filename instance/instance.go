// Package instance defines workflow instances — one running (or completed)
// execution of a workflow definition — and their persistence contract.
// Instances are owned exclusively by the execution engine: created on
// workflow start, mutated on every step outcome, and marked COMPLETED when
// no pending invocations remain.
package instance

import (
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
)

// Status represents the lifecycle status of a workflow instance.
type Status string

const (
	// StatusRunning means the instance has pending or in-flight work.
	StatusRunning Status = "running"
	// StatusCompleted means no invocations remain and none will be
	// scheduled. Also the terminal status for cancelled instances.
	StatusCompleted Status = "completed"
)

// Instance is one execution of a workflow definition. The shared state blob
// is opaque to the engine — step handlers read and rewrite it; the engine
// only moves it between the store and the executor.
type Instance struct {
	cascade.Entity

	ID id.InstanceID `json:"id"`

	// Type names the workflow definition this instance executes.
	Type string `json:"type"`

	// State is the shared state blob passed to every step handler.
	State []byte `json:"state,omitempty"`

	// Status is RUNNING until the instance completes or is cancelled.
	Status Status `json:"status"`

	// Attempts maps step identifiers to the number of deliveries so far.
	Attempts map[string]int `json:"attempts,omitempty"`

	// Pending counts outstanding invocations (scheduled or claimed) for
	// this instance. Maintained by the engine under the instance lock and
	// meaningful only while Status is RUNNING; when it reaches zero after a
	// delivery, the instance is complete.
	Pending int `json:"pending"`

	// CompletedAt is set when the instance transitions to COMPLETED.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
