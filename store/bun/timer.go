package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/timer"
)

// SchedulePending persists a new invocation in pending state.
func (s *Store) SchedulePending(ctx context.Context, inv *timer.Invocation) error {
	if _, err := s.db.NewInsert().Model(toInvocationModel(inv)).Exec(ctx); err != nil {
		return fmt.Errorf("cascade/bun: schedule invocation: %w", err)
	}
	return nil
}

// ClaimDue atomically claims up to limit due pending invocations for the
// given worker, earliest first. On PostgreSQL the candidate selection runs
// FOR UPDATE SKIP LOCKED so concurrent pollers never block each other; the
// state guard on the update arbitrates on dialects without row locks.
func (s *Store) ClaimDue(ctx context.Context, workerID id.WorkerID, now time.Time, limit int) ([]*timer.Invocation, error) {
	if limit <= 0 {
		return nil, nil
	}
	wID := workerID.String()

	var models []invocationModel
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sel := tx.NewSelect().
			Model((*invocationModel)(nil)).
			Column("id").
			Where("state = ?", string(timer.StatePending)).
			Where("due_at <= ?", now).
			Order("due_at ASC").
			Limit(limit)
		if s.db.Dialect().Name() == dialect.PG {
			sel = sel.For("UPDATE SKIP LOCKED")
		}

		var ids []string
		if selErr := sel.Scan(ctx, &ids); selErr != nil {
			return selErr
		}
		if len(ids) == 0 {
			return nil
		}

		_, updErr := tx.NewUpdate().
			TableExpr("cascade_invocations").
			Set("state = ?", string(timer.StateClaimed)).
			Set("worker_id = ?", wID).
			Set("heartbeat_at = ?", now).
			Set("updated_at = ?", now).
			Where("id IN (?)", bun.In(ids)).
			Where("state = ?", string(timer.StatePending)).
			Exec(ctx)
		if updErr != nil {
			return updErr
		}

		// Re-read what this worker actually won; the state guard drops any
		// candidate a concurrent poller claimed first.
		return tx.NewSelect().Model(&models).
			Where("id IN (?)", bun.In(ids)).
			Where("worker_id = ?", wID).
			Where("state = ?", string(timer.StateClaimed)).
			Order("due_at ASC").
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: claim due: %w", err)
	}

	invs := make([]*timer.Invocation, 0, len(models))
	for i := range models {
		inv, convErr := fromInvocationModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: claim convert: %w", convErr)
		}
		invs = append(invs, inv)
	}
	return invs, nil
}

// GetInvocation retrieves an invocation by ID.
func (s *Store) GetInvocation(ctx context.Context, invID id.InvocationID) (*timer.Invocation, error) {
	m := new(invocationModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", invID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrInvocationNotFound
		}
		return nil, fmt.Errorf("cascade/bun: get invocation: %w", err)
	}
	return fromInvocationModel(m)
}

// CompleteInvocation removes an invocation after successful processing.
// Deleting is what makes consumption exactly-once: completing the same
// invocation twice fails the second time.
func (s *Store) CompleteInvocation(ctx context.Context, invID id.InvocationID) error {
	res, err := s.db.NewDelete().
		TableExpr("cascade_invocations").
		Where("id = ?", invID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: complete invocation: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// ReleaseInvocation returns a claimed invocation to pending, preserving its
// original due time.
func (s *Store) ReleaseInvocation(ctx context.Context, invID id.InvocationID) error {
	res, err := s.db.NewUpdate().
		TableExpr("cascade_invocations").
		Set("state = ?", string(timer.StatePending)).
		Set("worker_id = NULL").
		Set("heartbeat_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", invID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: release invocation: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// CancelInstance removes all pending invocations for an instance and
// returns how many were removed. Claimed invocations stay with their
// workers.
func (s *Store) CancelInstance(ctx context.Context, instanceID id.InstanceID) (int, error) {
	res, err := s.db.NewDelete().
		TableExpr("cascade_invocations").
		Where("instance_id = ?", instanceID.String()).
		Where("state = ?", string(timer.StatePending)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: cancel instance: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}

// HeartbeatInvocation refreshes the claim timestamp. The worker filter
// means a reaped-and-reclaimed invocation rejects the old holder's
// heartbeat.
func (s *Store) HeartbeatInvocation(ctx context.Context, invID id.InvocationID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		TableExpr("cascade_invocations").
		Set("heartbeat_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", invID.String()).
		Where("worker_id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: heartbeat invocation: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// ReapStaleClaims returns to pending all claimed invocations whose last
// heartbeat is older than the given threshold, and reports them.
func (s *Store) ReapStaleClaims(ctx context.Context, threshold time.Duration) ([]*timer.Invocation, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var models []invocationModel
	_, err := s.db.NewUpdate().
		TableExpr("cascade_invocations").
		Set("state = ?", string(timer.StatePending)).
		Set("worker_id = NULL").
		Set("heartbeat_at = NULL").
		Set("updated_at = ?", now).
		Where("state = ?", string(timer.StateClaimed)).
		Where("heartbeat_at IS NOT NULL").
		Where("heartbeat_at < ?", cutoff).
		Returning("*").
		Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: reap stale claims: %w", err)
	}

	invs := make([]*timer.Invocation, 0, len(models))
	for i := range models {
		inv, convErr := fromInvocationModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: reap convert: %w", convErr)
		}
		invs = append(invs, inv)
	}
	return invs, nil
}

// CountInvocations returns the number of invocations matching the given
// options.
func (s *Store) CountInvocations(ctx context.Context, opts timer.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("cascade_invocations")

	if !opts.InstanceID.IsNil() {
		q = q.Where("instance_id = ?", opts.InstanceID.String())
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/bun: count invocations: %w", err)
	}
	return int64(count), nil
}
