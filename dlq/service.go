package dlq

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/executor"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store     Store
	instances instance.Store
	timers    timer.Store
}

// NewService creates a DLQ service. The instance and timer stores are used
// by Replay to re-schedule failed steps.
func NewService(store Store, instances instance.Store, timers timer.Store) *Service {
	return &Service{store: store, instances: instances, timers: timers}
}

// Push builds a DLQ Entry from a terminally failed execution and persists
// it. The error string is captured from the final handler error. The entry
// records the state that was persisted for the failing attempt.
func (s *Service) Push(ctx context.Context, ex *executor.Execution, stepErr error, maxAttempts int) error {
	state := ex.Output
	if len(state) == 0 {
		state = ex.State
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewDeadLetterID(),
		InstanceID:   ex.InstanceID,
		WorkflowType: ex.WorkflowType,
		StepID:       ex.StepID,
		Handler:      ex.Handler,
		State:        state,
		Error:        stepErr.Error(),
		Attempts:     ex.Attempt,
		MaxAttempts:  maxAttempts,
		FailedAt:     now,
		CreatedAt:    now,
	}
	return s.store.PushDeadLetter(ctx, entry)
}

// DLQStore returns the underlying DLQ store for direct access to List,
// Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
