package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cluster"
	"github.com/cascadehq/cascade/id"
)

// RegisterWorker adds a worker to the cluster registry. Re-registering an
// existing ID refreshes its profile but never touches leadership state, so
// a restarting leader does not fence itself.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	_, err := s.db.NewInsert().Model(toWorkerModel(w)).
		On("CONFLICT (id) DO UPDATE").
		Set("hostname = EXCLUDED.hostname").
		Set("workflow_types = EXCLUDED.workflow_types").
		Set("concurrency = EXCLUDED.concurrency").
		Set("state = EXCLUDED.state").
		Set("last_seen = EXCLUDED.last_seen").
		Set("metadata = EXCLUDED.metadata").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewDelete().
		TableExpr("cascade_workers").
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: deregister worker: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		TableExpr("cascade_workers").
		Set("last_seen = ?", time.Now().UTC()).
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("cascade/bun: heartbeat worker: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return cascade.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers in registration order.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var models []workerModel
	err := s.db.NewSelect().Model(&models).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, convErr := fromWorkerModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: list convert: %w", convErr)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older than
// the given threshold. Callers decide whether to deregister them.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	var models []workerModel
	err := s.db.NewSelect().Model(&models).
		Where("last_seen < ?", cutoff).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: reap dead workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, convErr := fromWorkerModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("cascade/bun: reap convert: %w", convErr)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// AcquireLeadership attempts to become the cluster leader. Claims succeed
// when no valid leader exists, the current leader's TTL has expired, or the
// caller is already the leader.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	now := time.Now().UTC()
	until := now.Add(ttl)

	// Step 1: clear any expired leader.
	_, err := s.db.NewUpdate().
		TableExpr("cascade_workers").
		Set("is_leader = ?", false).
		Set("leader_until = NULL").
		Where("is_leader = ?", true).
		Where("leader_until < ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("cascade/bun: clear expired leader: %w", err)
	}

	// Step 2: check for an active leader that isn't us.
	var activeLeaderID string
	selErr := s.db.NewSelect().
		Model((*workerModel)(nil)).
		Column("id").
		Where("is_leader = ?", true).
		Where("leader_until >= ?", now).
		Limit(1).
		Scan(ctx, &activeLeaderID)
	switch {
	case selErr == nil:
		if activeLeaderID != wID {
			return false, nil
		}
	case !isNoRows(selErr):
		return false, fmt.Errorf("cascade/bun: check leader: %w", selErr)
	}

	// Step 3: claim or re-claim leadership.
	res, err := s.db.NewUpdate().
		TableExpr("cascade_workers").
		Set("is_leader = ?", true).
		Set("leader_until = ?", until).
		Where("id = ?", wID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("cascade/bun: claim leadership: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// RenewLeadership extends the leader's hold. Returns false when the caller
// is no longer the leader.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)

	res, err := s.db.NewUpdate().
		TableExpr("cascade_workers").
		Set("leader_until = ?", until).
		Where("id = ?", workerID.String()).
		Where("is_leader = ?", true).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("cascade/bun: renew leadership: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// GetLeader returns the current cluster leader, or nil if there is no
// leader with an unexpired TTL.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	m := new(workerModel)
	err := s.db.NewSelect().Model(m).
		Where("is_leader = ?", true).
		Where("leader_until >= ?", time.Now().UTC()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cascade/bun: get leader: %w", err)
	}
	return fromWorkerModel(m)
}
