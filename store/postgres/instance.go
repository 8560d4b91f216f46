package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
)

// CreateInstance persists a new instance.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_instances (
			id, type, state, status, attempts, pending,
			completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID.String(), inst.Type, inst.State, string(inst.Status),
		attemptsOrEmpty(inst.Attempts), inst.Pending,
		inst.CompletedAt, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrInstanceAlreadyExists
		}
		return fmt.Errorf("cascade/postgres: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, type, state, status, attempts, pending,
			completed_at, created_at, updated_at
		FROM cascade_instances
		WHERE id = $1`,
		instanceID.String(),
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get instance: %w", err)
	}
	return inst, nil
}

// SaveState replaces the instance's shared state blob.
func (s *Store) SaveState(ctx context.Context, instanceID id.InstanceID, state []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cascade_instances SET state = $2, updated_at = NOW() WHERE id = $1`,
		instanceID.String(), state,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: save state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrInstanceNotFound
	}
	return nil
}

// MarkComplete transitions the instance to COMPLETED. Idempotent: completing
// a COMPLETED instance keeps the original completion time.
func (s *Store) MarkComplete(ctx context.Context, instanceID id.InstanceID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_instances
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> $2`,
		instanceID.String(), string(instance.StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: mark complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already completed, or missing entirely.
		var exists bool
		existErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM cascade_instances WHERE id = $1)`,
			instanceID.String(),
		).Scan(&exists)
		if existErr != nil {
			return fmt.Errorf("cascade/postgres: check instance exists: %w", existErr)
		}
		if !exists {
			return cascade.ErrInstanceNotFound
		}
	}
	return nil
}

// RecordAttempt atomically increments the attempt counter for a step and
// returns the post-increment value.
func (s *Store) RecordAttempt(ctx context.Context, instanceID id.InstanceID, stepID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE cascade_instances
		SET attempts = jsonb_set(
				COALESCE(attempts, '{}'::jsonb),
				ARRAY[$2],
				to_jsonb(COALESCE((attempts->>$2)::int, 0) + 1)
			),
			updated_at = NOW()
		WHERE id = $1
		RETURNING (attempts->>$2)::int`,
		instanceID.String(), stepID,
	).Scan(&count)
	if err != nil {
		if isNoRows(err) {
			return 0, cascade.ErrInstanceNotFound
		}
		return 0, fmt.Errorf("cascade/postgres: record attempt: %w", err)
	}
	return count, nil
}

// AddPending atomically adjusts the instance's outstanding-invocation counter
// by delta and returns the new value.
func (s *Store) AddPending(ctx context.Context, instanceID id.InstanceID, delta int) (int, error) {
	var pending int
	err := s.pool.QueryRow(ctx, `
		UPDATE cascade_instances
		SET pending = pending + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING pending`,
		instanceID.String(), delta,
	).Scan(&pending)
	if err != nil {
		if isNoRows(err) {
			return 0, cascade.ErrInstanceNotFound
		}
		return 0, fmt.Errorf("cascade/postgres: add pending: %w", err)
	}
	return pending, nil
}

// ListInstances returns instances matching the given options, newest first.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	query := `
		SELECT
			id, type, state, status, attempts, pending,
			completed_at, created_at, updated_at
		FROM cascade_instances
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, opts.Type)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

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
		return nil, fmt.Errorf("cascade/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var instances []*instance.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan instance row: %w", scanErr)
		}
		instances = append(instances, inst)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate instance rows: %w", err)
	}
	return instances, nil
}

// CountInstances returns the number of instances with the given status.
func (s *Store) CountInstances(ctx context.Context, status instance.Status) (int, error) {
	query := `SELECT COUNT(*) FROM cascade_instances`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}

	var count int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: count instances: %w", err)
	}
	return count, nil
}

// attemptsOrEmpty keeps the attempts column non-null for fresh instances.
func attemptsOrEmpty(attempts map[string]int) map[string]int {
	if attempts == nil {
		return map[string]int{}
	}
	return attempts
}

// scanInstance scans a single instance row.
func scanInstance(row pgx.Row) (*instance.Instance, error) {
	var (
		inst      instance.Instance
		idStr     string
		statusStr string
	)
	err := row.Scan(
		&idStr, &inst.Type, &inst.State, &statusStr, &inst.Attempts, &inst.Pending,
		&inst.CompletedAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = instance.Status(statusStr)

	parsedID, parseErr := id.ParseInstanceID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("cascade/postgres: parse instance id %q: %w", idStr, parseErr)
	}
	inst.ID = parsedID

	return &inst, nil
}
