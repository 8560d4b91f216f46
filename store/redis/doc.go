// Package redis implements store.Store on Redis for high-throughput
// deployments that already run Redis and can accept its durability
// trade-offs. Pending invocations live in a Sorted Set scored by due time,
// history events in per-instance Streams, and all entities are stored as
// Redis Hashes.
//
// The caller owns the client lifecycle — the store never closes it:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
