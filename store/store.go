// Package store defines the aggregate persistence interface. Each subsystem
// (timer, instance, cron, dlq, history, cluster) defines its own store
// interface. The composite Store composes them all. Backends: Postgres, Bun,
// Mongo, Redis, and Memory.
package store

import (
	"context"

	"github.com/cascadehq/cascade/cluster"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, bun, mongo, redis, memory) implements all of them.
type Store interface {
	timer.Store
	instance.Store
	cron.Store
	dlq.Store
	history.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
