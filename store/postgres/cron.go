package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/id"
)

// RegisterCron persists a new cron entry. Returns an error if the name
// already exists.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_cron_entries (
			id, name, schedule, workflow_type, input,
			last_run_at, next_run_at, locked_by, locked_until,
			enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.WorkflowType, entry.Input,
		entry.LastRunAt, entry.NextRunAt, nilIfEmpty(entry.LockedBy), entry.LockedUntil,
		entry.Enabled, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDuplicateCron
		}
		return fmt.Errorf("cascade/postgres: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves a cron entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, name, schedule, workflow_type, input,
			last_run_at, next_run_at, locked_by, locked_until,
			enabled, created_at, updated_at
		FROM cascade_cron_entries
		WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanCron(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrCronNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get cron: %w", err)
	}
	return e, nil
}

// ListCrons returns all cron entries.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, name, schedule, workflow_type, input,
			last_run_at, next_run_at, locked_by, locked_until,
			enabled, created_at, updated_at
		FROM cascade_cron_entries
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: list crons: %w", err)
	}
	defer rows.Close()

	var entries []*cron.Entry
	for rows.Next() {
		e, scanErr := scanCron(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan cron row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate cron rows: %w", err)
	}
	return entries, nil
}

// AcquireCronLock attempts to acquire a distributed lock for a cron entry.
// The single UPDATE decides atomically: it succeeds when the entry is
// unlocked, the previous lock expired, or the caller already holds it.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	wID := workerID.String()

	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_cron_entries
		SET locked_by = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_until < $4 OR locked_by = $2)`,
		entryID.String(), wID, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("cascade/postgres: acquire cron lock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Check if the entry exists at all.
		var exists bool
		existErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM cascade_cron_entries WHERE id = $1)`,
			entryID.String(),
		).Scan(&exists)
		if existErr != nil {
			return false, fmt.Errorf("cascade/postgres: check cron exists: %w", existErr)
		}
		if !exists {
			return false, cascade.ErrCronNotFound
		}
		// Entry exists but lock is held by someone else.
		return false, nil
	}

	return true, nil
}

// ReleaseCronLock releases the distributed lock for a cron entry. Releasing
// a lock held by someone else is a no-op.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_cron_entries
		SET locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: release cron lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM cascade_cron_entries WHERE id = $1)`,
		entryID.String(),
	).Scan(&exists); err != nil {
		return fmt.Errorf("cascade/postgres: check cron exists: %w", err)
	}
	if !exists {
		return cascade.ErrCronNotFound
	}
	return nil
}

// UpdateCronLastRun records when a cron entry last fired.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_cron_entries
		SET last_run_at = $2, updated_at = NOW()
		WHERE id = $1`,
		entryID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: update cron last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// UpdateCronEntry updates a cron entry's configuration. Lock and last-run
// bookkeeping are managed through their own methods and are preserved.
func (s *Store) UpdateCronEntry(ctx context.Context, entry *cron.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_cron_entries SET
			name = $2, schedule = $3, workflow_type = $4, input = $5,
			next_run_at = $6, enabled = $7, updated_at = NOW()
		WHERE id = $1`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.WorkflowType, entry.Input,
		entry.NextRunAt, entry.Enabled,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDuplicateCron
		}
		return fmt.Errorf("cascade/postgres: update cron entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes a cron entry by ID.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cascade_cron_entries WHERE id = $1`, entryID.String())
	if err != nil {
		return fmt.Errorf("cascade/postgres: delete cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// scanCron scans a single cron entry row.
func scanCron(row pgx.Row) (*cron.Entry, error) {
	var (
		e      cron.Entry
		idStr  string
		lockBy *string
	)
	err := row.Scan(
		&idStr, &e.Name, &e.Schedule, &e.WorkflowType, &e.Input,
		&e.LastRunAt, &e.NextRunAt, &lockBy, &e.LockedUntil,
		&e.Enabled, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseCronID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("cascade/postgres: parse cron id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	if lockBy != nil {
		e.LockedBy = *lockBy
	}

	return &e, nil
}
