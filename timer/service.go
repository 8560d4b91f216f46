package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
)

// Service provides high-level timer operations over a Store. It is the one
// path through which the engine schedules, claims, and resolves pending
// invocations.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a timer service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Schedule records a pending invocation for the given instance and step,
// due at or after dueAt — never earlier. Due times in the past are allowed;
// such invocations surface on the next poll cycle.
func (s *Service) Schedule(ctx context.Context, instanceID id.InstanceID, workflowType, stepID string, dueAt time.Time) (*Invocation, error) {
	inv := &Invocation{
		Entity:       cascade.NewEntity(),
		ID:           id.NewInvocationID(),
		InstanceID:   instanceID,
		WorkflowType: workflowType,
		StepID:       stepID,
		DueAt:        dueAt.UTC(),
		State:        StatePending,
	}
	if err := s.store.SchedulePending(ctx, inv); err != nil {
		return nil, fmt.Errorf("schedule %s/%s: %w", instanceID, stepID, err)
	}

	s.logger.Debug("invocation scheduled",
		slog.String("invocation_id", inv.ID.String()),
		slog.String("instance_id", instanceID.String()),
		slog.String("step_id", stepID),
		slog.Time("due_at", inv.DueAt),
	)
	return inv, nil
}

// PollDue claims up to limit due invocations for the given worker. The
// claim is atomic: each pending invocation is delivered to exactly one
// caller. Non-blocking; an empty slice means nothing is due.
func (s *Service) PollDue(ctx context.Context, workerID id.WorkerID, now time.Time, limit int) ([]*Invocation, error) {
	return s.store.ClaimDue(ctx, workerID, now, limit)
}

// Complete deletes a claimed invocation after processing.
func (s *Service) Complete(ctx context.Context, invID id.InvocationID) error {
	return s.store.CompleteInvocation(ctx, invID)
}

// Release returns a claimed invocation to the pending set with its original
// due time, so a failed processing round is re-delivered rather than lost.
func (s *Service) Release(ctx context.Context, invID id.InvocationID) error {
	return s.store.ReleaseInvocation(ctx, invID)
}

// Cancel removes all pending invocations for an instance. Best-effort with
// respect to near-simultaneous fires: an invocation claimed concurrently is
// not removed and resolves as a stale delivery.
func (s *Service) Cancel(ctx context.Context, instanceID id.InstanceID) (int, error) {
	n, err := s.store.CancelInstance(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("cancel instance %s: %w", instanceID, err)
	}
	if n > 0 {
		s.logger.Debug("pending invocations cancelled",
			slog.String("instance_id", instanceID.String()),
			slog.Int("count", n),
		)
	}
	return n, nil
}

// Heartbeat refreshes the claim on an invocation.
func (s *Service) Heartbeat(ctx context.Context, invID id.InvocationID, workerID id.WorkerID) error {
	return s.store.HeartbeatInvocation(ctx, invID, workerID)
}

// ReapStale returns abandoned claims (no heartbeat within threshold) to the
// pending set and logs each one.
func (s *Service) ReapStale(ctx context.Context, threshold time.Duration) ([]*Invocation, error) {
	stale, err := s.store.ReapStaleClaims(ctx, threshold)
	if err != nil {
		return nil, err
	}
	for _, inv := range stale {
		s.logger.Warn("reaped stale invocation claim",
			slog.String("invocation_id", inv.ID.String()),
			slog.String("instance_id", inv.InstanceID.String()),
			slog.String("step_id", inv.StepID),
			slog.String("worker_id", inv.WorkerID.String()),
		)
	}
	return stale, nil
}

// Store returns the underlying timer store for direct count queries.
func (s *Service) Store() Store {
	return s.store
}
