package timer

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
)

// CountOpts controls filtering for invocation count queries.
type CountOpts struct {
	// InstanceID filters by instance. Nil means all instances.
	InstanceID id.InstanceID
	// State filters by delivery state. Empty means all states.
	State State
}

// Store defines the persistence contract for pending invocations.
type Store interface {
	// SchedulePending persists a new invocation in pending state. The
	// invocation's DueAt is honored by ClaimDue: it never surfaces earlier.
	SchedulePending(ctx context.Context, inv *Invocation) error

	// ClaimDue atomically claims up to limit pending invocations whose due
	// time has passed, marks them claimed by workerID, and returns them
	// ordered by due time (earliest first). Each invocation is claimed at
	// most once; concurrent callers never receive the same invocation.
	ClaimDue(ctx context.Context, workerID id.WorkerID, now time.Time, limit int) ([]*Invocation, error)

	// GetInvocation retrieves an invocation by ID.
	GetInvocation(ctx context.Context, invID id.InvocationID) (*Invocation, error)

	// CompleteInvocation deletes a claimed invocation after successful
	// processing. This is the exactly-once consumption point.
	CompleteInvocation(ctx context.Context, invID id.InvocationID) error

	// ReleaseInvocation returns a claimed invocation to the pending set,
	// preserving its original due time. Used when processing could not
	// finish (store failure) so the invocation is re-delivered rather than
	// lost.
	ReleaseInvocation(ctx context.Context, invID id.InvocationID) error

	// CancelInstance removes all pending invocations for an instance and
	// returns how many were removed. Claimed invocations are left alone —
	// their in-flight processing resolves against the completed instance.
	CancelInstance(ctx context.Context, instanceID id.InstanceID) (int, error)

	// HeartbeatInvocation updates the heartbeat timestamp for a claimed
	// invocation, indicating the worker is still alive.
	HeartbeatInvocation(ctx context.Context, invID id.InvocationID, workerID id.WorkerID) error

	// ReapStaleClaims returns to pending all claimed invocations whose last
	// heartbeat is older than the given threshold, indicating the worker
	// may have crashed. Returns the released invocations.
	ReapStaleClaims(ctx context.Context, threshold time.Duration) ([]*Invocation, error)

	// CountInvocations returns the number of invocations matching the given
	// options.
	CountInvocations(ctx context.Context, opts CountOpts) (int64, error)
}
