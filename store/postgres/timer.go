package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/timer"
)

// SchedulePending persists a new invocation in pending state.
func (s *Store) SchedulePending(ctx context.Context, inv *timer.Invocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_invocations (
			id, instance_id, workflow_type, step_id, due_at,
			state, worker_id, heartbeat_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID.String(), inv.InstanceID.String(), inv.WorkflowType, inv.StepID,
		inv.DueAt, string(timer.StatePending), nil, nil,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: schedule pending: %w", err)
	}
	return nil
}

// ClaimDue atomically claims up to limit due pending invocations for
// workerID. FOR UPDATE SKIP LOCKED keeps concurrent pollers from blocking
// on each other's candidate rows.
func (s *Store) ClaimDue(ctx context.Context, workerID id.WorkerID, now time.Time, limit int) ([]*timer.Invocation, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM cascade_invocations
			WHERE state = 'pending' AND due_at <= $2
			ORDER BY due_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE cascade_invocations AS inv
		SET state = 'claimed', worker_id = $1, heartbeat_at = $2, updated_at = NOW()
		FROM due
		WHERE inv.id = due.id
		RETURNING
			inv.id, inv.instance_id, inv.workflow_type, inv.step_id, inv.due_at,
			inv.state, inv.worker_id, inv.heartbeat_at, inv.created_at, inv.updated_at`,
		workerID.String(), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: claim due: %w", err)
	}
	defer rows.Close()

	claimed, err := collectInvocations(rows)
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not guarantee row order.
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].DueAt.Before(claimed[j].DueAt)
	})
	return claimed, nil
}

// GetInvocation retrieves an invocation by ID.
func (s *Store) GetInvocation(ctx context.Context, invID id.InvocationID) (*timer.Invocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, instance_id, workflow_type, step_id, due_at,
			state, worker_id, heartbeat_at, created_at, updated_at
		FROM cascade_invocations
		WHERE id = $1`,
		invID.String(),
	)

	inv, err := scanInvocation(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrInvocationNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get invocation: %w", err)
	}
	return inv, nil
}

// CompleteInvocation deletes a claimed invocation. This is the exactly-once
// consumption point: the second completion attempt finds no row.
func (s *Store) CompleteInvocation(ctx context.Context, invID id.InvocationID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_invocations WHERE id = $1`,
		invID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: complete invocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// ReleaseInvocation returns a claimed invocation to the pending set,
// preserving its original due time.
func (s *Store) ReleaseInvocation(ctx context.Context, invID id.InvocationID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_invocations
		SET state = 'pending', worker_id = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		invID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: release invocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// CancelInstance removes all pending invocations for an instance. Claimed
// invocations are left alone; their in-flight processing resolves against
// the completed instance.
func (s *Store) CancelInstance(ctx context.Context, instanceID id.InstanceID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_invocations WHERE instance_id = $1 AND state = 'pending'`,
		instanceID.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: cancel instance invocations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HeartbeatInvocation refreshes the claim's liveness timestamp. The worker
// filter means a reaped-and-reclaimed invocation rejects the old holder's
// heartbeat.
func (s *Store) HeartbeatInvocation(ctx context.Context, invID id.InvocationID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_invocations
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2`,
		invID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: heartbeat invocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// ReapStaleClaims returns to pending all claimed invocations whose last
// heartbeat is older than threshold.
func (s *Store) ReapStaleClaims(ctx context.Context, threshold time.Duration) ([]*timer.Invocation, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := s.pool.Query(ctx, `
		UPDATE cascade_invocations
		SET state = 'pending', worker_id = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE state = 'claimed' AND heartbeat_at < $1
		RETURNING
			id, instance_id, workflow_type, step_id, due_at,
			state, worker_id, heartbeat_at, created_at, updated_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: reap stale claims: %w", err)
	}
	defer rows.Close()

	return collectInvocations(rows)
}

// CountInvocations returns the number of invocations matching the given
// options.
func (s *Store) CountInvocations(ctx context.Context, opts timer.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM cascade_invocations WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if !opts.InstanceID.IsNil() {
		query += fmt.Sprintf(" AND instance_id = $%d", argIdx)
		args = append(args, opts.InstanceID.String())
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: count invocations: %w", err)
	}
	return count, nil
}

// scanInvocation scans a single invocation row.
func scanInvocation(row pgx.Row) (*timer.Invocation, error) {
	var (
		inv       timer.Invocation
		idStr     string
		instStr   string
		stateStr  string
		workerStr *string
	)
	err := row.Scan(
		&idStr, &instStr, &inv.WorkflowType, &inv.StepID, &inv.DueAt,
		&stateStr, &workerStr, &inv.HeartbeatAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.State = timer.State(stateStr)

	invID, err := id.ParseInvocationID(idStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse invocation id %q: %w", idStr, err)
	}
	inv.ID = invID

	instID, err := id.ParseInstanceID(instStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse instance id %q: %w", instStr, err)
	}
	inv.InstanceID = instID

	if workerStr != nil && *workerStr != "" {
		workerID, err := id.ParseWorkerID(*workerStr)
		if err != nil {
			return nil, fmt.Errorf("cascade/postgres: parse worker id %q: %w", *workerStr, err)
		}
		inv.WorkerID = workerID
	}

	return &inv, nil
}

// collectInvocations drains rows into a slice.
func collectInvocations(rows pgx.Rows) ([]*timer.Invocation, error) {
	var invocations []*timer.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("cascade/postgres: scan invocation row: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate invocation rows: %w", err)
	}
	return invocations, nil
}
