package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
)

// CreateInstance persists a new workflow instance.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance) error {
	_, err := s.db.Collection(colInstances).InsertOne(ctx, toInstanceModel(inst))
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrInstanceAlreadyExists
		}
		return fmt.Errorf("cascade/mongo: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	var m instanceModel
	err := s.db.Collection(colInstances).FindOne(ctx, bson.M{"_id": instanceID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, cascade.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("cascade/mongo: get instance: %w", err)
	}
	return fromInstanceModel(&m)
}

// SaveState replaces the instance's shared state blob.
func (s *Store) SaveState(ctx context.Context, instanceID id.InstanceID, state []byte) error {
	res, err := s.db.Collection(colInstances).UpdateOne(ctx,
		bson.M{"_id": instanceID.String()},
		bson.M{"$set": bson.M{"state": state, "updated_at": now()}},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: save state: %w", err)
	}
	if res.MatchedCount == 0 {
		return cascade.ErrInstanceNotFound
	}
	return nil
}

// MarkComplete transitions the instance to COMPLETED. The status guard in
// the filter keeps the original completion time on repeat calls.
func (s *Store) MarkComplete(ctx context.Context, instanceID id.InstanceID) error {
	t := now()
	col := s.db.Collection(colInstances)
	res, err := col.UpdateOne(ctx,
		bson.M{
			"_id":    instanceID.String(),
			"status": bson.M{"$ne": string(instance.StatusCompleted)},
		},
		bson.M{"$set": bson.M{
			"status":       string(instance.StatusCompleted),
			"completed_at": t,
			"updated_at":   t,
		}},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: mark complete: %w", err)
	}
	if res.MatchedCount == 0 {
		// Zero matches is either already completed or missing.
		count, countErr := col.CountDocuments(ctx, bson.M{"_id": instanceID.String()})
		if countErr != nil {
			return fmt.Errorf("cascade/mongo: mark complete: %w", countErr)
		}
		if count == 0 {
			return cascade.ErrInstanceNotFound
		}
	}
	return nil
}

// RecordAttempt increments the attempt counter for a step and returns the
// post-increment value. A single $inc keeps the counter exact under
// concurrent deliveries.
func (s *Store) RecordAttempt(ctx context.Context, instanceID id.InstanceID, stepID string) (int, error) {
	var m instanceModel
	err := s.db.Collection(colInstances).FindOneAndUpdate(ctx,
		bson.M{"_id": instanceID.String()},
		bson.M{
			"$inc": bson.M{"attempts." + stepID: 1},
			"$set": bson.M{"updated_at": now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, cascade.ErrInstanceNotFound
		}
		return 0, fmt.Errorf("cascade/mongo: record attempt: %w", err)
	}
	return m.Attempts[stepID], nil
}

// AddPending adjusts the outstanding-invocation counter by delta and
// returns the new value.
func (s *Store) AddPending(ctx context.Context, instanceID id.InstanceID, delta int) (int, error) {
	var m instanceModel
	err := s.db.Collection(colInstances).FindOneAndUpdate(ctx,
		bson.M{"_id": instanceID.String()},
		bson.M{
			"$inc": bson.M{"pending": delta},
			"$set": bson.M{"updated_at": now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, cascade.ErrInstanceNotFound
		}
		return 0, fmt.Errorf("cascade/mongo: add pending: %w", err)
	}
	return m.Pending, nil
}

// ListInstances returns instances matching opts, newest first.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Type != "" {
		filter["type"] = opts.Type
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colInstances).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: list instances: %w", err)
	}
	defer cursor.Close(ctx)

	var models []instanceModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("cascade/mongo: list instances: %w", err)
	}

	instances := make([]*instance.Instance, 0, len(models))
	for i := range models {
		inst, convErr := fromInstanceModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// CountInstances returns the number of instances with the given status.
// An empty status counts all instances.
func (s *Store) CountInstances(ctx context.Context, status instance.Status) (int, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	count, err := s.db.Collection(colInstances).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("cascade/mongo: count instances: %w", err)
	}
	return int(count), nil
}
