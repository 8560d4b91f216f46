package dlq

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
)

// ListOpts controls pagination and filtering for DLQ list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// WorkflowType filters by workflow type. Empty means all types.
	WorkflowType string
	// InstanceID filters by instance. The nil ID means all instances.
	InstanceID id.InstanceID
}

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// PushDeadLetter adds a terminal step failure to the dead letter queue.
	PushDeadLetter(ctx context.Context, entry *Entry) error

	// ListDeadLetters returns DLQ entries matching the given options.
	ListDeadLetters(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDeadLetter retrieves a DLQ entry by ID.
	GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*Entry, error)

	// MarkReplayed records that a DLQ entry was replayed. The actual
	// re-scheduling is handled at the service layer.
	MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error

	// PurgeDeadLetters removes DLQ entries with FailedAt before the given
	// time. Returns the number of entries removed.
	PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error)

	// CountDeadLetters returns the total number of entries in the dead
	// letter queue.
	CountDeadLetters(ctx context.Context) (int64, error)
}
