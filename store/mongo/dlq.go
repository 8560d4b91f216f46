package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

// PushDeadLetter adds a terminal step failure to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.db.Collection(colDeadLetters).InsertOne(ctx, toDeadLetterModel(entry))
	if err != nil {
		return fmt.Errorf("cascade/mongo: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns DLQ entries matching opts, oldest failure first.
func (s *Store) ListDeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	filter := bson.M{}
	if opts.WorkflowType != "" {
		filter["workflow_type"] = opts.WorkflowType
	}
	if !opts.InstanceID.IsNil() {
		filter["instance_id"] = opts.InstanceID.String()
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colDeadLetters).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: list dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var models []deadLetterModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("cascade/mongo: list dead letters: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromDeadLetterModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDeadLetter retrieves a DLQ entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	var m deadLetterModel
	err := s.db.Collection(colDeadLetters).FindOne(ctx, bson.M{"_id": entryID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, cascade.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("cascade/mongo: get dead letter: %w", err)
	}
	return fromDeadLetterModel(&m)
}

// MarkReplayed records that a DLQ entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	res, err := s.db.Collection(colDeadLetters).UpdateOne(ctx,
		bson.M{"_id": entryID.String()},
		bson.M{"$set": bson.M{"replayed_at": now()}},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: mark replayed: %w", err)
	}
	if res.MatchedCount == 0 {
		return cascade.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries that failed before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colDeadLetters).DeleteMany(ctx,
		bson.M{"failed_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("cascade/mongo: purge dead letters: %w", err)
	}
	return res.DeletedCount, nil
}

// CountDeadLetters returns the total number of entries in the queue.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	count, err := s.db.Collection(colDeadLetters).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("cascade/mongo: count dead letters: %w", err)
	}
	return count, nil
}
