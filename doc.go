// Package cascade provides a durable workflow scheduler for Go. Workflows
// are graphs of named steps; each step's outcome can trigger downstream
// steps immediately or after long delays (seconds to days) without holding
// a worker for the delay.
//
// Cascade is designed as a library, not a service. Import it, configure a
// store, register workflow definitions and step handlers as ordinary Go
// functions, and start instances.
//
// # Quick Start
//
//	s, err := cascade.New(
//	    cascade.WithStore(pgStore),
//	    cascade.WithConcurrency(20),
//	)
//
// # Architecture
//
// Cascade follows a composable store pattern where each subsystem (timer,
// instance, cron, history, dlq, cluster) defines its own store interface.
// A single backend implements all of them. Pending step invocations live
// in the store ordered by due time; a worker pool polls for due work, runs
// the step handler, and schedules downstream invocations per the
// definition's trigger and retry rules.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package cascade
