package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
)

// AppendEvent persists a new history event. Append order is carried by the
// autoincrement seq column, not the event timestamp.
func (s *Store) AppendEvent(ctx context.Context, evt *history.Event) error {
	if _, err := s.db.NewInsert().Model(toEventModel(evt)).Exec(ctx); err != nil {
		return fmt.Errorf("cascade/bun: append event: %w", err)
	}
	return nil
}

// ListEvents returns an instance's events in append order, oldest first.
func (s *Store) ListEvents(ctx context.Context, instanceID id.InstanceID, opts history.ListOpts) ([]*history.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models).
		Where("instance_id = ?", instanceID.String()).
		Order("seq ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("cascade/bun: list events: %w", err)
	}

	events := make([]*history.Event, 0, len(models))
	for i := range models {
		evt, convErr := fromEventModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: list convert: %w", convErr)
		}
		events = append(events, evt)
	}
	return events, nil
}

// PurgeEvents removes events created before the given time. Returns the
// number of events removed.
func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		TableExpr("cascade_history").
		Where("created_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: purge events: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}
