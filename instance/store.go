package instance

import (
	"context"

	"github.com/cascadehq/cascade/id"
)

// ListOpts controls filtering and pagination for instance list queries.
type ListOpts struct {
	// Limit is the maximum number of instances to return. Zero means no limit.
	Limit int
	// Offset is the number of instances to skip.
	Offset int
	// Status filters by instance status. Empty means all statuses.
	Status Status
	// Type filters by workflow type. Empty means all types.
	Type string
}

// Store defines the persistence contract for workflow instances.
//
// The engine serializes all per-instance mutation behind an instance-level
// lock, so implementations need only guarantee that each individual
// operation is atomic.
type Store interface {
	// CreateInstance persists a new instance.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance retrieves an instance by ID.
	// Fails with cascade.ErrInstanceNotFound if it does not exist.
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*Instance, error)

	// SaveState replaces the instance's shared state blob.
	SaveState(ctx context.Context, instanceID id.InstanceID, state []byte) error

	// MarkComplete transitions the instance to COMPLETED and records the
	// completion time. Idempotent: completing a COMPLETED instance is a no-op.
	MarkComplete(ctx context.Context, instanceID id.InstanceID) error

	// RecordAttempt atomically increments the attempt counter for a step
	// and returns the post-increment value, starting at 1 on the first
	// delivery.
	RecordAttempt(ctx context.Context, instanceID id.InstanceID, stepID string) (int, error)

	// AddPending atomically adjusts the instance's outstanding-invocation
	// counter by delta and returns the new value.
	AddPending(ctx context.Context, instanceID id.InstanceID, delta int) (int, error)

	// ListInstances returns instances matching the given options, newest
	// first.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)

	// CountInstances returns the number of instances with the given status.
	// An empty status counts all instances.
	CountInstances(ctx context.Context, status Status) (int, error)
}
