package cron

import (
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
)

// Entry represents a scheduled recurring workflow.
type Entry struct {
	cascade.Entity

	ID           id.CronID  `json:"id"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	WorkflowType string     `json:"workflow_type"`
	Input        []byte     `json:"input,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LockedBy     string     `json:"locked_by,omitempty"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	Enabled      bool       `json:"enabled"`
}
