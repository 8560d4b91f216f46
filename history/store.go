package history

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
)

// ListOpts controls pagination for history queries.
type ListOpts struct {
	// Limit is the maximum number of events to return. Zero means no limit.
	Limit int
	// Offset is the number of events to skip.
	Offset int
}

// Store defines the persistence contract for instance history.
type Store interface {
	// AppendEvent persists a new history event.
	AppendEvent(ctx context.Context, evt *Event) error

	// ListEvents returns an instance's events in chronological order
	// (oldest first).
	ListEvents(ctx context.Context, instanceID id.InstanceID, opts ListOpts) ([]*Event, error)

	// PurgeEvents removes events created before the given time. Returns
	// the number of events removed.
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)
}
