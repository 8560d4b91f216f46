// Package mongo implements store.Store on the official MongoDB driver.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/cascadehq/cascade/cluster"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Collection name constants.
const (
	colInstances   = "cascade_instances"
	colInvocations = "cascade_invocations"
	colCronEntries = "cascade_cron_entries"
	colDeadLetters = "cascade_dead_letters"
	colHistory     = "cascade_history"
	colWorkers     = "cascade_workers"
	colCounters    = "cascade_counters"
)

const disconnectTimeout = 5 * time.Second

// Compile-time interface checks.
var (
	_ instance.Store = (*Store)(nil)
	_ timer.Store    = (*Store)(nil)
	_ cron.Store     = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
	_ history.Store  = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// Store is a MongoDB-backed implementation of store.Store. Every atomic
// operation rides a single-document command (FindOneAndUpdate, $inc), so
// the store works against standalone servers as well as replica sets.
type Store struct {
	db         *mongod.Database
	logger     *slog.Logger
	ownsClient bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps an existing database handle. The caller keeps ownership of
// the underlying client; Close is a no-op.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials uri and returns a Store over the named database. The
// store owns the client, and Close disconnects it.
func Connect(uri, database string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: connect: %w", err)
	}
	s := New(client.Database(database), opts...)
	s.ownsClient = true
	return s, nil
}

// migrationIndexes returns the index models per collection.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colInstances: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "type", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colInvocations: {
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "due_at", Value: 1}}},
			{Keys: bson.D{{Key: "instance_id", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "heartbeat_at", Value: 1}}},
		},
		colCronEntries: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "enabled", Value: 1}, {Key: "next_run_at", Value: 1}}},
		},
		colDeadLetters: {
			{Keys: bson.D{{Key: "failed_at", Value: 1}}},
			{Keys: bson.D{{Key: "workflow_type", Value: 1}, {Key: "failed_at", Value: 1}}},
			{Keys: bson.D{{Key: "instance_id", Value: 1}}},
		},
		colHistory: {
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		colWorkers: {
			{Keys: bson.D{{Key: "last_seen", Value: 1}}},
			{Keys: bson.D{{Key: "is_leader", Value: 1}}},
		},
	}
}

// Migrate ensures the indexes every collection needs. Index builds are
// idempotent, so Migrate can run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for col, models := range migrationIndexes() {
		g.Go(func() error {
			if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
				return fmt.Errorf("cascade/mongo: migrate %s: %w", col, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Debug("mongo store migrated", "database", s.db.Name())
	return nil
}

// Ping verifies connectivity to the deployment.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("cascade/mongo: ping: %w", err)
	}
	return nil
}

// Close disconnects the client when the store owns it, as with Connect.
// Stores built with New leave the client to the caller.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.db.Client().Disconnect(ctx); err != nil {
		return fmt.Errorf("cascade/mongo: close: %w", err)
	}
	return nil
}

// ── Helpers ───────────────────────────────────────────────────────

func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}
