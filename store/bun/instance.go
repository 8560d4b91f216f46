package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
)

// CreateInstance persists a new workflow instance along with any seeded
// attempt counters.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, insErr := tx.NewInsert().Model(toInstanceModel(inst)).Exec(ctx); insErr != nil {
			return insErr
		}
		if len(inst.Attempts) == 0 {
			return nil
		}

		attempts := make([]attemptModel, 0, len(inst.Attempts))
		for stepID, count := range inst.Attempts {
			attempts = append(attempts, attemptModel{
				InstanceID: inst.ID.String(),
				StepID:     stepID,
				Count:      count,
			})
		}
		_, insErr := tx.NewInsert().Model(&attempts).Exec(ctx)
		return insErr
	})
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrInstanceAlreadyExists
		}
		return fmt.Errorf("cascade/bun: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	m := new(instanceModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", instanceID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("cascade/bun: get instance: %w", err)
	}

	inst, err := fromInstanceModel(m)
	if err != nil {
		return nil, err
	}

	inst.Attempts, err = s.loadAttempts(ctx, instanceID.String())
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// SaveState replaces the instance's shared state blob.
func (s *Store) SaveState(ctx context.Context, instanceID id.InstanceID, state []byte) error {
	res, err := s.db.NewUpdate().
		TableExpr("cascade_instances").
		Set("state = ?", state).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", instanceID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: save state: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrInstanceNotFound
	}
	return nil
}

// MarkComplete transitions the instance to COMPLETED. Idempotent:
// completing a COMPLETED instance keeps the original completion time.
func (s *Store) MarkComplete(ctx context.Context, instanceID id.InstanceID) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		TableExpr("cascade_instances").
		Set("status = ?", string(instance.StatusCompleted)).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", instanceID.String()).
		Where("status <> ?", string(instance.StatusCompleted)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: mark complete: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}

	// Zero rows is either already-completed (fine) or missing (an error).
	exists, err := s.db.NewSelect().
		TableExpr("cascade_instances").
		Where("id = ?", instanceID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: check instance exists: %w", err)
	}
	if !exists {
		return cascade.ErrInstanceNotFound
	}
	return nil
}

// RecordAttempt increments the attempt counter for a step and returns the
// post-increment value. The counter lives in its own table so the increment
// is a single upsert: two concurrent deliveries never read the same value.
func (s *Store) RecordAttempt(ctx context.Context, instanceID id.InstanceID, stepID string) (int, error) {
	exists, err := s.db.NewSelect().
		TableExpr("cascade_instances").
		Where("id = ?", instanceID.String()).
		Exists(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: check instance exists: %w", err)
	}
	if !exists {
		return 0, cascade.ErrInstanceNotFound
	}

	var count int
	err = s.db.NewRaw(`
		INSERT INTO cascade_instance_attempts (instance_id, step_id, count)
		VALUES (?, ?, 1)
		ON CONFLICT (instance_id, step_id)
		DO UPDATE SET count = cascade_instance_attempts.count + 1
		RETURNING count`,
		instanceID.String(), stepID,
	).Scan(ctx, &count)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: record attempt: %w", err)
	}
	return count, nil
}

// AddPending adjusts the instance's outstanding-invocation counter by delta
// and returns the new value.
func (s *Store) AddPending(ctx context.Context, instanceID id.InstanceID, delta int) (int, error) {
	var pending int
	err := s.db.NewRaw(`
		UPDATE cascade_instances
		SET pending = pending + ?, updated_at = ?
		WHERE id = ?
		RETURNING pending`,
		delta, time.Now().UTC(), instanceID.String(),
	).Scan(ctx, &pending)
	if err != nil {
		if isNoRows(err) {
			return 0, cascade.ErrInstanceNotFound
		}
		return 0, fmt.Errorf("cascade/bun: add pending: %w", err)
	}
	return pending, nil
}

// ListInstances returns instances matching the given options, newest first.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	var models []instanceModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Type != "" {
		q = q.Where("type = ?", opts.Type)
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("cascade/bun: list instances: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	// One batched query for the attempt counters of the whole page.
	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	var attRows []attemptModel
	err := s.db.NewSelect().Model(&attRows).
		Where("instance_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: load attempts: %w", err)
	}
	attempts := make(map[string]map[string]int, len(models))
	for i := range attRows {
		byStep := attempts[attRows[i].InstanceID]
		if byStep == nil {
			byStep = make(map[string]int)
			attempts[attRows[i].InstanceID] = byStep
		}
		byStep[attRows[i].StepID] = attRows[i].Count
	}

	instances := make([]*instance.Instance, 0, len(models))
	for i := range models {
		inst, convErr := fromInstanceModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: list instances convert: %w", convErr)
		}
		if byStep, ok := attempts[models[i].ID]; ok {
			inst.Attempts = byStep
		} else {
			inst.Attempts = make(map[string]int)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// CountInstances returns the number of instances with the given status.
// An empty status counts all instances.
func (s *Store) CountInstances(ctx context.Context, status instance.Status) (int, error) {
	q := s.db.NewSelect().TableExpr("cascade_instances")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: count instances: %w", err)
	}
	return count, nil
}

// loadAttempts assembles the per-step attempt counters for one instance.
func (s *Store) loadAttempts(ctx context.Context, instanceID string) (map[string]int, error) {
	var rows []attemptModel
	err := s.db.NewSelect().Model(&rows).
		Where("instance_id = ?", instanceID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: load attempts: %w", err)
	}

	attempts := make(map[string]int, len(rows))
	for i := range rows {
		attempts[rows[i].StepID] = rows[i].Count
	}
	return attempts, nil
}
