package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

// PushDeadLetter adds a terminal step failure to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_dlq (
			id, instance_id, workflow_type, step_id, handler,
			state, error, attempts, max_attempts,
			failed_at, replayed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID.String(), entry.InstanceID.String(), entry.WorkflowType, entry.StepID, entry.Handler,
		entry.State, entry.Error, entry.Attempts, entry.MaxAttempts,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns DLQ entries matching the given options, oldest
// failure first.
func (s *Store) ListDeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `
		SELECT
			id, instance_id, workflow_type, step_id, handler,
			state, error, attempts, max_attempts,
			failed_at, replayed_at, created_at
		FROM cascade_dlq
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.WorkflowType != "" {
		query += fmt.Sprintf(" AND workflow_type = $%d", argIdx)
		args = append(args, opts.WorkflowType)
		argIdx++
	}
	if !opts.InstanceID.IsNil() {
		query += fmt.Sprintf(" AND instance_id = $%d", argIdx)
		args = append(args, opts.InstanceID.String())
		argIdx++
	}

	query += " ORDER BY failed_at ASC"

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
		return nil, fmt.Errorf("cascade/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan dead letter row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate dead letter rows: %w", err)
	}
	return entries, nil
}

// GetDeadLetter retrieves a DLQ entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, instance_id, workflow_type, step_id, handler,
			state, error, attempts, max_attempts,
			failed_at, replayed_at, created_at
		FROM cascade_dlq
		WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get dead letter: %w", err)
	}
	return e, nil
}

// MarkReplayed records that a DLQ entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cascade_dlq SET replayed_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes DLQ entries with FailedAt before the given time.
// Returns the number of entries removed.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_dlq WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDeadLetters returns the total number of entries in the dead letter
// queue.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cascade_dlq`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: count dead letters: %w", err)
	}
	return count, nil
}

// scanDeadLetter scans a single DLQ entry row.
func scanDeadLetter(row pgx.Row) (*dlq.Entry, error) {
	var (
		e       dlq.Entry
		idStr   string
		instStr string
	)
	err := row.Scan(
		&idStr, &instStr, &e.WorkflowType, &e.StepID, &e.Handler,
		&e.State, &e.Error, &e.Attempts, &e.MaxAttempts,
		&e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseDeadLetterID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("cascade/postgres: parse dead letter id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	instID, instParseErr := id.ParseInstanceID(instStr)
	if instParseErr != nil {
		return nil, fmt.Errorf("cascade/postgres: parse instance id %q: %w", instStr, instParseErr)
	}
	e.InstanceID = instID

	return &e, nil
}
