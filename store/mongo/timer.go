package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/timer"
)

// SchedulePending persists a new invocation in pending state.
func (s *Store) SchedulePending(ctx context.Context, inv *timer.Invocation) error {
	_, err := s.db.Collection(colInvocations).InsertOne(ctx, toInvocationModel(inv))
	if err != nil {
		return fmt.Errorf("cascade/mongo: schedule pending: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit due invocations for workerID, earliest
// first. Each claim is its own FindOneAndUpdate, so two pollers can never
// win the same invocation.
func (s *Store) ClaimDue(ctx context.Context, workerID id.WorkerID, now time.Time, limit int) ([]*timer.Invocation, error) {
	if limit <= 0 {
		return nil, nil
	}

	col := s.db.Collection(colInvocations)
	wID := workerID.String()

	filter := bson.M{
		"state":  string(timer.StatePending),
		"due_at": bson.M{"$lte": now},
	}
	update := bson.M{"$set": bson.M{
		"state":        string(timer.StateClaimed),
		"worker_id":    wID,
		"heartbeat_at": now,
		"updated_at":   now,
	}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "due_at", Value: 1}})

	claimed := make([]*timer.Invocation, 0, limit)
	for i := 0; i < limit; i++ {
		var m invocationModel
		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("cascade/mongo: claim due: %w", err)
		}
		inv, convErr := fromInvocationModel(&m)
		if convErr != nil {
			return nil, convErr
		}
		claimed = append(claimed, inv)
	}
	return claimed, nil
}

// GetInvocation retrieves an invocation by ID.
func (s *Store) GetInvocation(ctx context.Context, invID id.InvocationID) (*timer.Invocation, error) {
	var m invocationModel
	err := s.db.Collection(colInvocations).FindOne(ctx, bson.M{"_id": invID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, cascade.ErrInvocationNotFound
		}
		return nil, fmt.Errorf("cascade/mongo: get invocation: %w", err)
	}
	return fromInvocationModel(&m)
}

// CompleteInvocation deletes a claimed invocation. Deleting is what makes
// consumption exactly-once: a second completion finds nothing.
func (s *Store) CompleteInvocation(ctx context.Context, invID id.InvocationID) error {
	res, err := s.db.Collection(colInvocations).DeleteOne(ctx, bson.M{"_id": invID.String()})
	if err != nil {
		return fmt.Errorf("cascade/mongo: complete invocation: %w", err)
	}
	if res.DeletedCount == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// ReleaseInvocation returns a claimed invocation to the pending set with
// its original due time intact.
func (s *Store) ReleaseInvocation(ctx context.Context, invID id.InvocationID) error {
	res, err := s.db.Collection(colInvocations).UpdateOne(ctx,
		bson.M{"_id": invID.String()},
		bson.M{
			"$set":   bson.M{"state": string(timer.StatePending), "updated_at": now()},
			"$unset": bson.M{"worker_id": "", "heartbeat_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: release invocation: %w", err)
	}
	if res.MatchedCount == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// CancelInstance removes all pending invocations for an instance. Claimed
// invocations stay with their workers.
func (s *Store) CancelInstance(ctx context.Context, instanceID id.InstanceID) (int, error) {
	res, err := s.db.Collection(colInvocations).DeleteMany(ctx, bson.M{
		"instance_id": instanceID.String(),
		"state":       string(timer.StatePending),
	})
	if err != nil {
		return 0, fmt.Errorf("cascade/mongo: cancel instance: %w", err)
	}
	return int(res.DeletedCount), nil
}

// HeartbeatInvocation refreshes the heartbeat for a claimed invocation.
// The worker filter means a reaped-and-reclaimed invocation rejects the
// old holder's heartbeat.
func (s *Store) HeartbeatInvocation(ctx context.Context, invID id.InvocationID, workerID id.WorkerID) error {
	t := now()
	res, err := s.db.Collection(colInvocations).UpdateOne(ctx,
		bson.M{
			"_id":       invID.String(),
			"state":     string(timer.StateClaimed),
			"worker_id": workerID.String(),
		},
		bson.M{"$set": bson.M{"heartbeat_at": t, "updated_at": t}},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: heartbeat invocation: %w", err)
	}
	if res.MatchedCount == 0 {
		return cascade.ErrInvocationNotFound
	}
	return nil
}

// ReapStaleClaims returns to pending every claimed invocation whose
// heartbeat is older than threshold and reports what it released.
func (s *Store) ReapStaleClaims(ctx context.Context, threshold time.Duration) ([]*timer.Invocation, error) {
	t := now()
	cutoff := t.Add(-threshold)
	col := s.db.Collection(colInvocations)

	filter := bson.M{
		"state":        string(timer.StateClaimed),
		"heartbeat_at": bson.M{"$ne": nil, "$lt": cutoff},
	}
	update := bson.M{
		"$set":   bson.M{"state": string(timer.StatePending), "updated_at": t},
		"$unset": bson.M{"worker_id": "", "heartbeat_at": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var released []*timer.Invocation
	for {
		var m invocationModel
		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("cascade/mongo: reap stale claims: %w", err)
		}
		inv, convErr := fromInvocationModel(&m)
		if convErr != nil {
			return nil, convErr
		}
		released = append(released, inv)
	}
	return released, nil
}

// CountInvocations returns the number of invocations matching opts.
func (s *Store) CountInvocations(ctx context.Context, opts timer.CountOpts) (int64, error) {
	filter := bson.M{}
	if !opts.InstanceID.IsNil() {
		filter["instance_id"] = opts.InstanceID.String()
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}
	count, err := s.db.Collection(colInvocations).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("cascade/mongo: count invocations: %w", err)
	}
	return count, nil
}
