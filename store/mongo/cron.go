package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/id"
)

// RegisterCron persists a new cron entry. The unique index on name turns
// a duplicate registration into ErrDuplicateCron.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	_, err := s.db.Collection(colCronEntries).InsertOne(ctx, toCronModel(entry))
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDuplicateCron
		}
		return fmt.Errorf("cascade/mongo: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves a cron entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	var m cronEntryModel
	err := s.db.Collection(colCronEntries).FindOne(ctx, bson.M{"_id": entryID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, cascade.ErrCronNotFound
		}
		return nil, fmt.Errorf("cascade/mongo: get cron: %w", err)
	}
	return fromCronModel(&m)
}

// ListCrons returns all cron entries in registration order.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	cursor, err := s.db.Collection(colCronEntries).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: list crons: %w", err)
	}
	defer cursor.Close(ctx)

	var models []cronEntryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("cascade/mongo: list crons: %w", err)
	}

	entries := make([]*cron.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromCronModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AcquireCronLock attempts to take the distributed lock for a cron entry
// until now+ttl. Returns false without error when another worker holds it.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	t := now()
	until := t.Add(ttl)
	eID := entryID.String()
	wID := workerID.String()
	col := s.db.Collection(colCronEntries)

	filter := bson.M{
		"_id": eID,
		"$or": []bson.M{
			{"locked_by": nil},
			{"locked_by": bson.M{"$exists": false}},
			{"locked_until": bson.M{"$lt": t}},
			{"locked_by": wID},
		},
	}
	update := bson.M{"$set": bson.M{
		"locked_by":    wID,
		"locked_until": until,
		"updated_at":   t,
	}}

	var m cronEntryModel
	err := col.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if !isNoDocuments(err) {
			return false, fmt.Errorf("cascade/mongo: acquire cron lock: %w", err)
		}
		// No match is either held-by-another (not an error) or missing.
		count, countErr := col.CountDocuments(ctx, bson.M{"_id": eID})
		if countErr != nil {
			return false, fmt.Errorf("cascade/mongo: acquire cron lock: %w", countErr)
		}
		if count == 0 {
			return false, cascade.ErrCronNotFound
		}
		return false, nil
	}
	return true, nil
}

// ReleaseCronLock releases the lock if held by workerID. Not being the
// holder is a no-op, but a missing entry is an error.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	eID := entryID.String()
	col := s.db.Collection(colCronEntries)

	res, err := col.UpdateOne(ctx,
		bson.M{"_id": eID, "locked_by": workerID.String()},
		bson.M{
			"$unset": bson.M{"locked_by": "", "locked_until": ""},
			"$set":   bson.M{"updated_at": now()},
		},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: release cron lock: %w", err)
	}
	if res.MatchedCount == 0 {
		count, countErr := col.CountDocuments(ctx, bson.M{"_id": eID})
		if countErr != nil {
			return fmt.Errorf("cascade/mongo: release cron lock: %w", countErr)
		}
		if count == 0 {
			return cascade.ErrCronNotFound
		}
	}
	return nil
}

// UpdateCronLastRun records when the entry last fired.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time) error {
	res, err := s.db.Collection(colCronEntries).UpdateOne(ctx,
		bson.M{"_id": entryID.String()},
		bson.M{"$set": bson.M{"last_run_at": at, "updated_at": now()}},
	)
	if err != nil {
		return fmt.Errorf("cascade/mongo: update cron last run: %w", err)
	}
	if res.MatchedCount == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// UpdateCronEntry replaces the entry's configuration. Lock state and the
// last-run timestamp are owned by the scheduler loop and never touched
// here.
func (s *Store) UpdateCronEntry(ctx context.Context, entry *cron.Entry) error {
	res, err := s.db.Collection(colCronEntries).UpdateOne(ctx,
		bson.M{"_id": entry.ID.String()},
		bson.M{"$set": bson.M{
			"name":          entry.Name,
			"schedule":      entry.Schedule,
			"workflow_type": entry.WorkflowType,
			"input":         entry.Input,
			"next_run_at":   entry.NextRunAt,
			"enabled":       entry.Enabled,
			"updated_at":    now(),
		}},
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDuplicateCron
		}
		return fmt.Errorf("cascade/mongo: update cron entry: %w", err)
	}
	if res.MatchedCount == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes a cron entry.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	res, err := s.db.Collection(colCronEntries).DeleteOne(ctx, bson.M{"_id": entryID.String()})
	if err != nil {
		return fmt.Errorf("cascade/mongo: delete cron: %w", err)
	}
	if res.DeletedCount == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}
