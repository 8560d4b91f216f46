package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

// PushDeadLetter adds a terminal step failure to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *dlq.Entry) error {
	if _, err := s.db.NewInsert().Model(toDeadLetterModel(entry)).Exec(ctx); err != nil {
		return fmt.Errorf("cascade/bun: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns DLQ entries matching the given options, oldest
// failure first.
func (s *Store) ListDeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []deadLetterModel
	q := s.db.NewSelect().Model(&models)

	if opts.WorkflowType != "" {
		q = q.Where("workflow_type = ?", opts.WorkflowType)
	}
	if !opts.InstanceID.IsNil() {
		q = q.Where("instance_id = ?", opts.InstanceID.String())
	}
	q = q.Order("failed_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("cascade/bun: list dead letters: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromDeadLetterModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: list convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDeadLetter retrieves a DLQ entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	m := new(deadLetterModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("cascade/bun: get dead letter: %w", err)
	}
	return fromDeadLetterModel(m)
}

// MarkReplayed records that a DLQ entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	res, err := s.db.NewUpdate().
		TableExpr("cascade_dlq").
		Set("replayed_at = ?", time.Now().UTC()).
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: mark replayed: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes DLQ entries with FailedAt before the given time.
// Returns the number of entries removed.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		TableExpr("cascade_dlq").
		Where("failed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: purge dead letters: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// CountDeadLetters returns the total number of entries in the dead letter
// queue.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().TableExpr("cascade_dlq").Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: count dead letters: %w", err)
	}
	return int64(count), nil
}
