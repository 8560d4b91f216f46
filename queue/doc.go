// Package queue provides admission control for claimed invocations with
// per-workflow-type and per-step rate limiting.
//
// The worker pool claims due invocations from the timer store and asks the
// [Manager] whether each one may proceed. Invocations denied admission are
// released back to the store and picked up on a later poll, so limits shape
// throughput without losing work.
//
// # Per-Type Configuration
//
// Use [Config] to set per-workflow-type rate limits and concurrency caps:
//
//	queue.Config{
//	    Type:           "order-pipeline",
//	    MaxConcurrency: 5,      // max 5 concurrent steps of this type
//	    RateLimit:      10,     // max 10 steps/s admitted for this type
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// Pass configs when building the engine:
//
//	engine.Build(s,
//	    engine.WithQueueConfig(
//	        queue.Config{Type: "order-pipeline", MaxConcurrency: 20},
//	        queue.Config{Type: "bulk-import", RateLimit: 5, RateBurst: 10},
//	    ),
//	)
//
// # Manager
//
// [Manager] enforces per-type and per-step limits at admission time.
// It uses a token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate for concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(workflowType, stepID) {
//	    defer m.Release(workflowType, stepID)
//	    // process the invocation
//	}
//
// Workflow types without a [Config] have no limits beyond the pool-wide
// concurrency.
package queue
