package cluster

import (
	"time"

	"github.com/cascadehq/cascade/id"
)

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	// WorkerActive means the worker is healthy and executing steps.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the worker is finishing in-flight steps
	// but not claiming new invocations (graceful shutdown).
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the worker has stopped responding and its
	// claimed invocations should be released.
	WorkerDead WorkerState = "dead"
)

// Worker represents a Cascade worker instance in a distributed cluster.
type Worker struct {
	ID            id.WorkerID       `json:"id"`
	Hostname      string            `json:"hostname"`
	WorkflowTypes []string          `json:"workflow_types,omitempty"`
	Concurrency   int               `json:"concurrency"`
	State         WorkerState       `json:"state"`
	IsLeader      bool              `json:"is_leader"`
	LeaderUntil   *time.Time        `json:"leader_until,omitempty"`
	LastSeen      time.Time         `json:"last_seen"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
