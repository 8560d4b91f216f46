package cascade

import "time"

// Config holds configuration for the Scheduler.
type Config struct {
	// Concurrency is the maximum number of invocations processed concurrently.
	Concurrency int

	// PollInterval is how often workers poll the timer for due invocations.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often claimed invocations send heartbeats.
	HeartbeatInterval time.Duration

	// StaleClaimThreshold is how long before a claimed invocation without a
	// heartbeat is considered abandoned and returned to the pending set.
	StaleClaimThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         10,
		PollInterval:        1 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		StaleClaimThreshold: 30 * time.Second,
	}
}
