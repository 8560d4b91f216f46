// Package timer is the durable clock of the engine. It tracks pending
// (due-time, step-invocation) pairs and surfaces exactly the ones whose due
// time has passed. The timer knows nothing about workflow semantics — it
// stores opaque (instance, step) references ordered by due time.
//
// Pending invocations are persisted through a Store so that delays of hours
// or days survive process restarts and fire at their original due time.
package timer

import (
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
)

// State represents the delivery state of a pending invocation.
type State string

const (
	// StatePending means the invocation is waiting for its due time.
	StatePending State = "pending"
	// StateClaimed means a worker has claimed the invocation and is
	// processing it. Claimed invocations are invisible to further polls;
	// they are deleted on completion or returned to pending on release.
	StateClaimed State = "claimed"
)

// Invocation is a scheduled-but-not-yet-executed (instance, step) pair with
// a due time. Invocations are ephemeral: created when a trigger fires or a
// retry is scheduled, consumed exactly once when a worker claims and
// completes them.
//
// An invocation weakly references its instance — if the instance no longer
// exists or has completed by delivery time, the engine discards the
// delivery as stale.
type Invocation struct {
	cascade.Entity

	ID id.InvocationID `json:"id"`

	// InstanceID identifies the workflow instance to advance.
	InstanceID id.InstanceID `json:"instance_id"`

	// WorkflowType is denormalized from the instance so that claim-side
	// throttling can group work without loading instances.
	WorkflowType string `json:"workflow_type"`

	// StepID is the step to execute when the invocation fires.
	StepID string `json:"step_id"`

	// DueAt is the earliest time the invocation may be delivered.
	DueAt time.Time `json:"due_at"`

	// State tracks pending/claimed delivery bookkeeping.
	State State `json:"state"`

	// WorkerID identifies the worker holding the claim, if any.
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// HeartbeatAt is the claim's last liveness signal. Claims without a
	// recent heartbeat are considered abandoned and reaped back to pending.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}
