package dlq

import (
	"time"

	"github.com/cascadehq/cascade/id"
)

// Entry represents a step that has exhausted its retry budget. The entry
// preserves the failure context for inspection or replay.
type Entry struct {
	ID           id.DeadLetterID `json:"id"`
	InstanceID   id.InstanceID   `json:"instance_id"`
	WorkflowType string          `json:"workflow_type"`
	StepID       string          `json:"step_id"`
	Handler      string          `json:"handler"`
	State        []byte          `json:"state,omitempty"`
	Error        string          `json:"error"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	FailedAt     time.Time       `json:"failed_at"`
	ReplayedAt   *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
