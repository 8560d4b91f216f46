package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
)

// AppendEvent persists a new history event. The BIGSERIAL seq column, not
// created_at, carries the append order: events recorded within the same
// clock tick still list back in insertion order.
func (s *Store) AppendEvent(ctx context.Context, evt *history.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_history (
			id, instance_id, kind, step_id, attempt, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		evt.ID.String(), evt.InstanceID.String(), string(evt.Kind),
		evt.StepID, evt.Attempt, evt.Detail, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: append event: %w", err)
	}
	return nil
}

// ListEvents returns an instance's events in chronological order.
func (s *Store) ListEvents(ctx context.Context, instanceID id.InstanceID, opts history.ListOpts) ([]*history.Event, error) {
	query := `
		SELECT id, instance_id, kind, step_id, attempt, detail, created_at
		FROM cascade_history
		WHERE instance_id = $1
		ORDER BY seq ASC`
	args := []interface{}{instanceID.String()}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []*history.Event
	for rows.Next() {
		evt, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan event row: %w", scanErr)
		}
		events = append(events, evt)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate event rows: %w", err)
	}
	return events, nil
}

// PurgeEvents removes events created before the given time. Returns the
// number of events removed.
func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_history WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanEvent scans a single history event row.
func scanEvent(row pgx.Row) (*history.Event, error) {
	var (
		evt     history.Event
		idStr   string
		instStr string
		kindStr string
	)
	err := row.Scan(
		&idStr, &instStr, &kindStr, &evt.StepID, &evt.Attempt, &evt.Detail, &evt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	evt.Kind = history.Kind(kindStr)

	evtID, err := id.ParseEventID(idStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse event id %q: %w", idStr, err)
	}
	evt.ID = evtID

	instID, err := id.ParseInstanceID(instStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse instance id %q: %w", instStr, err)
	}
	evt.InstanceID = instID

	return &evt, nil
}
