package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
)

// nextSeq allocates the next value of a named counter document.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Value, nil
}

// AppendEvent persists a new history event. Append order is carried by a
// seq taken from the counter collection, not by the event timestamp.
func (s *Store) AppendEvent(ctx context.Context, evt *history.Event) error {
	seq, err := s.nextSeq(ctx, "history_seq")
	if err != nil {
		return fmt.Errorf("cascade/mongo: append event: %w", err)
	}
	if _, err := s.db.Collection(colHistory).InsertOne(ctx, toEventModel(evt, seq)); err != nil {
		return fmt.Errorf("cascade/mongo: append event: %w", err)
	}
	return nil
}

// ListEvents returns an instance's events in append order.
func (s *Store) ListEvents(ctx context.Context, instanceID id.InstanceID, opts history.ListOpts) ([]*history.Event, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colHistory).Find(ctx,
		bson.M{"instance_id": instanceID.String()}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: list events: %w", err)
	}
	defer cursor.Close(ctx)

	var models []eventModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("cascade/mongo: list events: %w", err)
	}

	events := make([]*history.Event, 0, len(models))
	for i := range models {
		evt, convErr := fromEventModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		events = append(events, evt)
	}
	return events, nil
}

// PurgeEvents removes events created before the given time.
func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colHistory).DeleteMany(ctx,
		bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("cascade/mongo: purge events: %w", err)
	}
	return res.DeletedCount, nil
}
