// Package cron provides distributed cron scheduling with leader election.
//
// Cron entries are stored in the database and fired only by the cluster
// leader. This guarantees at-most-once firing even when multiple Cascade
// instances are running.
//
// # Entry
//
// An [Entry] represents a recurring workflow schedule:
//   - Schedule: standard cron expression (e.g., "0 9 * * 1-5")
//   - WorkflowType: the registered definition to start when fired
//   - Input: static JSON input passed as the initial state of every
//     triggered instance
//   - Enabled: whether the entry fires
//   - LockedBy / LockedUntil: distributed lock fields (managed internally)
//
// # Registering a Cron
//
// Use engine.RegisterCron to add a cron entry at startup:
//
//	engine.RegisterCron(ctx, eng, "nightly-reconcile", "0 2 * * *",
//	    "reconcile-ledger", ReconcileInput{Full: true})
//
// # Enable / Disable
//
// Cron entries can be enabled or disabled at runtime via the admin API
// (POST /v1/crons/:cronId/enable and POST /v1/crons/:cronId/disable).
//
// # Scheduler
//
// The [Scheduler] evaluates due entries on every tick, acquires a
// distributed lock on each entry, starts the corresponding workflow
// instance, and updates LastRunAt and NextRunAt. The [ext.CronFired]
// extension hook fires after each start.
package cron
