package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Replay schedules a fresh invocation of the dead-lettered step on its
// original instance, due immediately, and marks the entry as replayed.
// The step executes against the instance's current state.
//
// Returns cascade.ErrInstanceCompleted if the instance has already
// finished; completed instances never execute steps again.
func (s *Service) Replay(ctx context.Context, entryID id.DeadLetterID) (*timer.Invocation, error) {
	entry, err := s.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, err
	}

	inst, err := s.instances.GetInstance(ctx, entry.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != instance.StatusRunning {
		return nil, fmt.Errorf("replay %s: %w", entryID, cascade.ErrInstanceCompleted)
	}

	// Pending is raised before the invocation exists so the instance can
	// never be observed with work scheduled but not counted.
	if _, err := s.instances.AddPending(ctx, entry.InstanceID, 1); err != nil {
		return nil, err
	}

	inv := &timer.Invocation{
		Entity:       cascade.NewEntity(),
		ID:           id.NewInvocationID(),
		InstanceID:   entry.InstanceID,
		WorkflowType: entry.WorkflowType,
		StepID:       entry.StepID,
		DueAt:        time.Now().UTC(),
		State:        timer.StatePending,
	}
	if err := s.timers.SchedulePending(ctx, inv); err != nil {
		return nil, err
	}

	if err := s.store.MarkReplayed(ctx, entryID); err != nil {
		// The invocation is already scheduled. Surface the bookkeeping
		// error but return the invocation anyway.
		return inv, err
	}

	return inv, nil
}
