// Package postgres implements store.Store on PostgreSQL using pgx/v5 with
// raw SQL. Features: FOR UPDATE SKIP LOCKED invocation claims, TTL-based
// leader election, embedded SQL migrations.
package postgres
