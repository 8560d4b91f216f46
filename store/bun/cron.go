package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/id"
)

// RegisterCron persists a new cron entry. Returns an error if the name
// already exists.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	if _, err := s.db.NewInsert().Model(toCronModel(entry)).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDuplicateCron
		}
		return fmt.Errorf("cascade/bun: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves a cron entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	m := new(cronEntryModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrCronNotFound
		}
		return nil, fmt.Errorf("cascade/bun: get cron: %w", err)
	}
	return fromCronModel(m)
}

// ListCrons returns all cron entries in registration order.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	var models []cronEntryModel
	err := s.db.NewSelect().Model(&models).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: list crons: %w", err)
	}

	entries := make([]*cron.Entry, 0, len(models))
	for i := range models {
		entry, convErr := fromCronModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: list convert: %w", convErr)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AcquireCronLock attempts to take the distributed lock for a cron entry.
// The single guarded update grants the lock when it is free, expired, or
// already held by the same worker.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	wID := workerID.String()

	res, err := s.db.NewUpdate().
		TableExpr("cascade_cron_entries").
		Set("locked_by = ?", wID).
		Set("locked_until = ?", until).
		Set("updated_at = ?", now).
		Where("id = ?", entryID.String()).
		Where("(locked_by IS NULL OR locked_until < ? OR locked_by = ?)", now, wID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("cascade/bun: acquire cron lock: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return true, nil
	}

	// Zero rows is either held-by-another (not an error) or missing.
	exists, err := s.db.NewSelect().
		Model((*cronEntryModel)(nil)).
		Where("id = ?", entryID.String()).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("cascade/bun: acquire cron lock: %w", err)
	}
	if !exists {
		return false, cascade.ErrCronNotFound
	}
	return false, nil
}

// ReleaseCronLock releases the distributed lock if held by the given worker.
// Not being the holder is a no-op, but a missing entry is an error.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		TableExpr("cascade_cron_entries").
		Set("locked_by = NULL").
		Set("locked_until = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", entryID.String()).
		Where("locked_by = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: release cron lock: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}

	exists, err := s.db.NewSelect().
		Model((*cronEntryModel)(nil)).
		Where("id = ?", entryID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: release cron lock: %w", err)
	}
	if !exists {
		return cascade.ErrCronNotFound
	}
	return nil
}

// UpdateCronLastRun records when a cron entry last fired.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("cascade_cron_entries").
		Set("last_run_at = ?", at).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: update cron last run: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// UpdateCronEntry replaces the configuration of an existing entry. Lock
// state and the last-run timestamp are owned by the scheduler loop and
// never touched here.
func (s *Store) UpdateCronEntry(ctx context.Context, entry *cron.Entry) error {
	res, err := s.db.NewUpdate().
		TableExpr("cascade_cron_entries").
		Set("name = ?", entry.Name).
		Set("schedule = ?", entry.Schedule).
		Set("workflow_type = ?", entry.WorkflowType).
		Set("input = ?", entry.Input).
		Set("next_run_at = ?", entry.NextRunAt).
		Set("enabled = ?", entry.Enabled).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", entry.ID.String()).
		Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDuplicateCron
		}
		return fmt.Errorf("cascade/bun: update cron entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes a cron entry.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	res, err := s.db.NewDelete().
		TableExpr("cascade_cron_entries").
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: delete cron: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}
