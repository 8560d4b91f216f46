package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/executor"
	"github.com/cascadehq/cascade/ext"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/queue"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/timer"
	"github.com/cascadehq/cascade/worker"
)

func setupTestPool(t *testing.T, concurrency int, pollInterval time.Duration, opts ...worker.PoolOption) (
	*worker.Pool, *testEnv,
) {
	t.Helper()
	e := newTestEnv(t)
	poolOpts := append([]worker.PoolOption{
		worker.WithPoolConcurrency(concurrency),
		worker.WithPollInterval(pollInterval),
	}, opts...)
	pool := worker.NewPool(e.store, e.proc, slog.Default(), poolOpts...)
	return pool, e
}

func TestPool_StartStop(t *testing.T) {
	pool, _ := setupTestPool(t, 2, 50*time.Millisecond)

	err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	err = pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesInvocation(t *testing.T) {
	pool, e := setupTestPool(t, 1, 10*time.Millisecond)

	var processed atomic.Bool
	e.register(t, definition.NewBuilder("greeting").Step("greet"))
	if err := e.handlers.Register("greet", func(_ context.Context, state []byte) ([]byte, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(state, &p); err != nil {
			t.Errorf("unmarshal state: %v", err)
		}
		if p.Name != "Alice" {
			t.Errorf("state.name = %q, want %q", p.Name, "Alice")
		}
		processed.Store(true)
		return state, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	inst, _ := e.seedInstance(t, "greeting", []byte(`{"name":"Alice"}`))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for invocation to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := e.store.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance error: %v", err)
	}
	if got.Status != instance.StatusCompleted {
		t.Errorf("instance status = %q, want %q", got.Status, instance.StatusCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestPool_FailedStepDeadLetters(t *testing.T) {
	pool, e := setupTestPool(t, 1, 10*time.Millisecond)

	var processed atomic.Bool
	e.register(t, definition.NewBuilder("flaky").Step("always-fails"))
	if err := e.handlers.Register("always-fails", func(_ context.Context, _ []byte) ([]byte, error) {
		processed.Store(true)
		return nil, errors.New("downstream unavailable")
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	inst, _ := e.seedInstance(t, "flaky", []byte(`{}`))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for invocation to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	entries, err := e.store.ListDeadLetters(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list dead letters error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	if entries[0].Error == "" {
		t.Error("expected dead letter Error to be set")
	}

	// No failure triggers, so nothing remains outstanding.
	got, err := e.store.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance error: %v", err)
	}
	if got.Status != instance.StatusCompleted {
		t.Errorf("instance status = %q, want %q", got.Status, instance.StatusCompleted)
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	pool, _ := setupTestPool(t, 4, 50*time.Millisecond)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Allow workers to start polling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := pool.Stop(ctx)
	if err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
}

func TestPool_ExtensionFires(t *testing.T) {
	logger := slog.Default()
	s := memory.New()
	defs := definition.NewRegistry()
	handlers := executor.NewRegistry()
	extensions := ext.NewRegistry(logger)

	// Register a tracking extension.
	tracker := &trackingExt{}
	extensions.Register(tracker)

	dlqSvc := dlq.NewService(s, s, s)
	proc := worker.NewProcessor(
		defs, handlers, s, s, dlqSvc, extensions,
		worker.NewKeyedMutex(), logger,
	)
	pool := worker.NewPool(s, proc, logger,
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
	)

	e := &testEnv{store: s, defs: defs, handlers: handlers, proc: proc}

	var processed atomic.Bool
	e.register(t, definition.NewBuilder("tracked").Step("observe"))
	if err := handlers.Register("observe", func(_ context.Context, state []byte) ([]byte, error) {
		processed.Store(true)
		return state, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	e.seedInstance(t, "tracked", []byte(`{}`))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for invocation")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if !tracker.stepStarted.Load() {
		t.Error("expected OnStepStarted to fire")
	}
	if !tracker.stepCompleted.Load() {
		t.Error("expected OnStepCompleted to fire")
	}
	if !tracker.instanceCompleted.Load() {
		t.Error("expected OnInstanceCompleted to fire")
	}
}

func TestPool_ThrottledClaimReleased(t *testing.T) {
	qm := queue.NewManager(queue.Config{Type: "throttled", MaxConcurrency: 1})
	pool, e := setupTestPool(t, 1, 10*time.Millisecond, worker.WithQueueManager(qm))

	var processed atomic.Bool
	e.register(t, definition.NewBuilder("throttled").Step("work"))
	if err := e.handlers.Register("work", func(_ context.Context, state []byte) ([]byte, error) {
		processed.Store(true)
		return state, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	// Occupy the type's only concurrency slot before the pool starts.
	if !qm.Acquire("throttled", "other") {
		t.Fatal("expected initial acquire to succeed")
	}

	_, inv := e.seedInstance(t, "throttled", []byte(`{}`))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pool.Stop(ctx); err != nil {
			t.Fatalf("stop error: %v", err)
		}
	}()

	// The pool keeps claiming and releasing, but never executes.
	time.Sleep(150 * time.Millisecond)
	if processed.Load() {
		t.Fatal("step executed while the concurrency slot was occupied")
	}
	sawPending := false
	for range 20 {
		got, err := e.store.GetInvocation(context.Background(), inv.ID)
		if err != nil {
			t.Fatalf("get invocation error: %v", err)
		}
		if got.State == timer.StatePending {
			sawPending = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawPending {
		t.Error("throttled invocation was not released back to pending")
	}

	// Free the slot; the next poll picks the invocation up.
	qm.Release("throttled", "other")

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for throttled invocation")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestPool_ReapsStaleClaims(t *testing.T) {
	pool, e := setupTestPool(t, 1, 10*time.Millisecond,
		worker.WithStaleClaimThreshold(50*time.Millisecond),
	)

	var processed atomic.Bool
	e.register(t, definition.NewBuilder("resilient").Step("work"))
	if err := e.handlers.Register("work", func(_ context.Context, state []byte) ([]byte, error) {
		processed.Store(true)
		return state, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	inst, _ := e.seedInstance(t, "resilient", []byte(`{}`))

	// A worker that crashed after claiming: the claim exists but no
	// heartbeats will ever arrive.
	claimed, err := e.store.ClaimDue(context.Background(), id.NewWorkerID(), time.Now().UTC(), 1)
	if err != nil {
		t.Fatalf("claim error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d invocations, want 1", len(claimed))
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stale claim to be reaped and processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := e.store.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance error: %v", err)
	}
	if got.Status != instance.StatusCompleted {
		t.Errorf("instance status = %q, want %q", got.Status, instance.StatusCompleted)
	}
}

func TestPool_HeartbeatsActiveClaims(t *testing.T) {
	pool, e := setupTestPool(t, 1, 10*time.Millisecond,
		worker.WithHeartbeatInterval(20*time.Millisecond),
	)

	release := make(chan struct{})
	e.register(t, definition.NewBuilder("slow").Step("wait"))
	if err := e.handlers.Register("wait", func(ctx context.Context, state []byte) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return state, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	_, inv := e.seedInstance(t, "slow", []byte(`{}`))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Wait for the claim, then capture its first heartbeat timestamp.
	var first time.Time
	deadline := time.After(5 * time.Second)
	for {
		got, err := e.store.GetInvocation(context.Background(), inv.ID)
		if err == nil && got.State == timer.StateClaimed && got.HeartbeatAt != nil {
			first = *got.HeartbeatAt
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the claim")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// The handler is still blocked, so any advance comes from the
	// heartbeat loop.
	for {
		got, err := e.store.GetInvocation(context.Background(), inv.ID)
		if err == nil && got.HeartbeatAt != nil && got.HeartbeatAt.After(first) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a heartbeat")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	stepStarted       atomic.Bool
	stepCompleted     atomic.Bool
	stepFailed        atomic.Bool
	instanceCompleted atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnStepStarted(_ context.Context, _ *timer.Invocation, _ int) error {
	e.stepStarted.Store(true)
	return nil
}

func (e *trackingExt) OnStepCompleted(_ context.Context, _ *timer.Invocation, _ int, _ time.Duration) error {
	e.stepCompleted.Store(true)
	return nil
}

func (e *trackingExt) OnStepFailed(_ context.Context, _ *timer.Invocation, _ int, _ error) error {
	e.stepFailed.Store(true)
	return nil
}

func (e *trackingExt) OnInstanceCompleted(_ context.Context, _ *instance.Instance, _ time.Duration) error {
	e.instanceCompleted.Store(true)
	return nil
}
