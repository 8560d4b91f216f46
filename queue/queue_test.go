package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire("any-type", "") {
		t.Fatal("expected Acquire to succeed for unconfigured type")
	}
	m.Release("any-type", "")
}

func TestNewManager_WithConfig(t *testing.T) {
	m := NewManager(Config{
		Type:           "order-pipeline",
		MaxConcurrency: 2,
	})
	if m.ActiveCount("order-pipeline") != 0 {
		t.Fatal("expected 0 active steps initially")
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Type:           "order-pipeline",
		MaxConcurrency: 2,
	})

	if !m.Acquire("order-pipeline", "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("order-pipeline", "") {
		t.Fatal("second Acquire should succeed")
	}
	// Third should be blocked.
	if m.Acquire("order-pipeline", "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	// Release one slot.
	m.Release("order-pipeline", "")
	if !m.Acquire("order-pipeline", "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Type:           "wf",
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire("wf", "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("wf") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("wf"))
	}

	m.Release("wf", "")
	m.Release("wf", "")
	if m.ActiveCount("wf") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("wf"))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Type:      "limited",
		RateLimit: 1.0, // 1 per second
		RateBurst: 1,
	})

	// First should succeed (burst allows it).
	if !m.Acquire("limited", "") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release("limited", "")

	// Immediately after, token bucket is empty.
	if m.Acquire("limited", "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	// Wait for token refill.
	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire("limited", "") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release("limited", "")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{
		Type:      "bursty",
		RateLimit: 10.0,
		RateBurst: 3,
	})

	// Three immediate acquires should succeed (burst = 3).
	for i := range 3 {
		if !m.Acquire("bursty", "") {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release("bursty", "")
	}
}

// ---------------------------------------------------------------------------
// Per-step isolation
// ---------------------------------------------------------------------------

func TestManager_StepConcurrency(t *testing.T) {
	m := NewManager(Config{
		Type:           "order-pipeline",
		MaxConcurrency: 100, // high type limit
	})

	m.SetStepConfig(StepConfig{
		WorkflowType:   "order-pipeline",
		StepID:         "charge",
		MaxConcurrency: 1,
	})

	// charge: first execution succeeds.
	if !m.Acquire("order-pipeline", "charge") {
		t.Fatal("charge first Acquire should succeed")
	}
	// charge: second execution blocked.
	if m.Acquire("order-pipeline", "charge") {
		t.Fatal("charge second Acquire should fail (step max 1)")
	}

	// notify (no config): should still succeed.
	if !m.Acquire("order-pipeline", "notify") {
		t.Fatal("notify Acquire should succeed (no step limit)")
	}

	m.Release("order-pipeline", "charge")
	m.Release("order-pipeline", "notify")
}

func TestManager_StepIsolation(t *testing.T) {
	m := NewManager(Config{
		Type:           "wf",
		MaxConcurrency: 100,
	})

	m.SetStepConfig(StepConfig{
		WorkflowType:   "wf",
		StepID:         "a",
		MaxConcurrency: 2,
	})
	m.SetStepConfig(StepConfig{
		WorkflowType:   "wf",
		StepID:         "b",
		MaxConcurrency: 2,
	})

	// Fill step a's slots.
	m.Acquire("wf", "a")
	m.Acquire("wf", "a")

	// a is maxed.
	if m.Acquire("wf", "a") {
		t.Fatal("step a should be blocked at max concurrency")
	}

	// b is unaffected.
	if !m.Acquire("wf", "b") {
		t.Fatal("step b should not be affected by step a's limits")
	}

	m.Release("wf", "a")
	m.Release("wf", "a")
	m.Release("wf", "b")
}

func TestManager_StepActiveCount(t *testing.T) {
	m := NewManager(Config{Type: "wf", MaxConcurrency: 10})
	m.SetStepConfig(StepConfig{
		WorkflowType:   "wf",
		StepID:         "s1",
		MaxConcurrency: 5,
	})

	m.Acquire("wf", "s1")
	m.Acquire("wf", "s1")

	if got := m.StepActiveCount("wf", "s1"); got != 2 {
		t.Fatalf("expected step active 2, got %d", got)
	}

	m.Release("wf", "s1")
	if got := m.StepActiveCount("wf", "s1"); got != 1 {
		t.Fatalf("expected step active 1, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetConfig(t *testing.T) {
	m := NewManager(Config{
		Type:           "dyn",
		MaxConcurrency: 1,
	})

	m.Acquire("dyn", "")
	if m.Acquire("dyn", "") {
		t.Fatal("should be blocked at concurrency 1")
	}

	// Raise the limit dynamically.
	m.SetConfig(Config{
		Type:           "dyn",
		MaxConcurrency: 3,
	})

	// Now should succeed.
	if !m.Acquire("dyn", "") {
		t.Fatal("should succeed after raising concurrency")
	}
	m.Release("dyn", "")
	m.Release("dyn", "")
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{
		Type:           "concurrent",
		MaxConcurrency: 50,
	})

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("concurrent", "") {
				acquired.Add(1)
				// Simulate work.
				time.Sleep(time.Millisecond)
				m.Release("concurrent", "")
			}
		}()
	}

	wg.Wait()

	// At least some should have succeeded.
	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}

	// Active should be back to 0.
	if m.ActiveCount("concurrent") != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount("concurrent"))
	}
}

func TestManager_UnconfiguredType_AlwaysSucceeds(t *testing.T) {
	m := NewManager(Config{
		Type:           "configured",
		MaxConcurrency: 1,
	})

	// "other" type has no config: no limits.
	for range 10 {
		if !m.Acquire("other", "") {
			t.Fatal("unconfigured type should always allow Acquire")
		}
	}
	for range 10 {
		m.Release("other", "")
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{
		Type:           "wf",
		MaxConcurrency: 5,
	})

	// Release without Acquire should not go negative.
	m.Release("wf", "")
	if m.ActiveCount("wf") != 0 {
		t.Fatal("active count should not go below 0")
	}
}
