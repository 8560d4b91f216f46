package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cluster"
	"github.com/cascadehq/cascade/id"
)

// RegisterWorker upserts a worker's profile. Leadership fields and the
// creation time only apply on first insert, so a restarting leader does
// not fence itself.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	m := toWorkerModel(w)
	_, err := s.db.Collection(colWorkers).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{
			"$set": bson.M{
				"hostname":       m.Hostname,
				"workflow_types": m.WorkflowTypes,
				"concurrency":    m.Concurrency,
				"state":          m.State,
				"last_seen":      m.LastSeen,
				"metadata":       m.Metadata,
			},
			"$setOnInsert": bson.M{
				"is_leader":  m.IsLeader,
				"created_at": m.CreatedAt,
			},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.Collection(colWorkers).DeleteOne(ctx, bson.M{"_id": workerID.String()})
	if err != nil {
		return fmt.Errorf("cascade/mongo: deregister worker: %w", err)
	}
	if res.DeletedCount == 0 {
		return cascade.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.Collection(colWorkers).UpdateOne(ctx,
		bson.M{"_id": workerID.String()},
		bson.M{"$set": bson.M{"last_seen": now()}},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: heartbeat worker: %w", err)
	}
	if res.MatchedCount == 0 {
		return cascade.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers in registration order.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	cursor, err := s.db.Collection(colWorkers).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: list workers: %w", err)
	}
	defer cursor.Close(ctx)

	var models []workerModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("cascade/mongo: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, convErr := fromWorkerModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ReapDeadWorkers returns workers whose last heartbeat is older than
// threshold. Callers decide whether to deregister them.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := now().Add(-threshold)
	cursor, err := s.db.Collection(colWorkers).Find(ctx,
		bson.M{"last_seen": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: reap dead workers: %w", err)
	}
	defer cursor.Close(ctx)

	var models []workerModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("cascade/mongo: reap dead workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, convErr := fromWorkerModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// AcquireLeadership attempts to become the cluster leader until now+ttl.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	t := now()
	wID := workerID.String()
	col := s.db.Collection(colWorkers)

	// Clear expired leadership first.
	_, err := col.UpdateMany(ctx,
		bson.M{"is_leader": true, "leader_until": bson.M{"$lt": t}},
		bson.M{
			"$set":   bson.M{"is_leader": false},
			"$unset": bson.M{"leader_until": ""},
		},
	)
	if err != nil {
		return false, fmt.Errorf("cascade/mongo: acquire leadership: %w", err)
	}

	// A different active leader blocks the claim.
	var active workerModel
	selErr := col.FindOne(ctx, bson.M{"is_leader": true}).Decode(&active)
	switch {
	case selErr == nil:
		if active.ID != wID {
			return false, nil
		}
	case !isNoDocuments(selErr):
		return false, fmt.Errorf("cascade/mongo: acquire leadership: %w", selErr)
	}

	res, err := col.UpdateOne(ctx,
		bson.M{"_id": wID},
		bson.M{"$set": bson.M{
			"is_leader":    true,
			"leader_until": t.Add(ttl),
			"last_seen":    t,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("cascade/mongo: acquire leadership: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// RenewLeadership extends the hold of the current leader. It only
// succeeds while workerID still leads.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	t := now()
	res, err := s.db.Collection(colWorkers).UpdateOne(ctx,
		bson.M{"_id": workerID.String(), "is_leader": true},
		bson.M{"$set": bson.M{
			"leader_until": t.Add(ttl),
			"last_seen":    t,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("cascade/mongo: renew leadership: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// GetLeader returns the current leader, or nil when there is no live
// leadership claim.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	var m workerModel
	err := s.db.Collection(colWorkers).FindOne(ctx, bson.M{
		"is_leader":    true,
		"leader_until": bson.M{"$gte": now()},
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cascade/mongo: get leader: %w", err)
	}
	return fromWorkerModel(&m)
}
