package mongo

import (
	"fmt"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cluster"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// ── Instance model ────────────────────────────────────────────────

type instanceModel struct {
	ID          string         `bson:"_id"`
	Type        string         `bson:"type"`
	State       []byte         `bson:"state,omitempty"`
	Status      string         `bson:"status"`
	Attempts    map[string]int `bson:"attempts,omitempty"`
	Pending     int            `bson:"pending"`
	CompletedAt *time.Time     `bson:"completed_at,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

func toInstanceModel(inst *instance.Instance) *instanceModel {
	return &instanceModel{
		ID:          inst.ID.String(),
		Type:        inst.Type,
		State:       inst.State,
		Status:      string(inst.Status),
		Attempts:    inst.Attempts,
		Pending:     inst.Pending,
		CompletedAt: inst.CompletedAt,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
}

func fromInstanceModel(m *instanceModel) (*instance.Instance, error) {
	parsedID, err := id.ParseInstanceID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse instance id %q: %w", m.ID, err)
	}

	attempts := m.Attempts
	if attempts == nil {
		attempts = make(map[string]int)
	}

	return &instance.Instance{
		Entity: cascade.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		Type:        m.Type,
		State:       m.State,
		Status:      instance.Status(m.Status),
		Attempts:    attempts,
		Pending:     m.Pending,
		CompletedAt: m.CompletedAt,
	}, nil
}

// ── Invocation model ──────────────────────────────────────────────

type invocationModel struct {
	ID           string     `bson:"_id"`
	InstanceID   string     `bson:"instance_id"`
	WorkflowType string     `bson:"workflow_type"`
	StepID       string     `bson:"step_id"`
	DueAt        time.Time  `bson:"due_at"`
	State        string     `bson:"state"`
	WorkerID     string     `bson:"worker_id,omitempty"`
	HeartbeatAt  *time.Time `bson:"heartbeat_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func toInvocationModel(inv *timer.Invocation) *invocationModel {
	m := &invocationModel{
		ID:           inv.ID.String(),
		InstanceID:   inv.InstanceID.String(),
		WorkflowType: inv.WorkflowType,
		StepID:       inv.StepID,
		DueAt:        inv.DueAt,
		State:        string(inv.State),
		HeartbeatAt:  inv.HeartbeatAt,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
	if !inv.WorkerID.IsNil() {
		m.WorkerID = inv.WorkerID.String()
	}
	return m
}

func fromInvocationModel(m *invocationModel) (*timer.Invocation, error) {
	parsedID, err := id.ParseInvocationID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse invocation id %q: %w", m.ID, err)
	}
	parsedInstance, err := id.ParseInstanceID(m.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse instance id %q: %w", m.InstanceID, err)
	}

	inv := &timer.Invocation{
		Entity: cascade.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		InstanceID:   parsedInstance,
		WorkflowType: m.WorkflowType,
		StepID:       m.StepID,
		DueAt:        m.DueAt,
		State:        timer.State(m.State),
		HeartbeatAt:  m.HeartbeatAt,
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr != nil {
			return nil, fmt.Errorf("cascade/mongo: parse worker id %q: %w", m.WorkerID, wErr)
		}
		inv.WorkerID = parsedWorker
	}

	return inv, nil
}

// ── Cron entry model ──────────────────────────────────────────────

type cronEntryModel struct {
	ID           string     `bson:"_id"`
	Name         string     `bson:"name"`
	Schedule     string     `bson:"schedule"`
	WorkflowType string     `bson:"workflow_type"`
	Input        []byte     `bson:"input,omitempty"`
	LastRunAt    *time.Time `bson:"last_run_at,omitempty"`
	NextRunAt    *time.Time `bson:"next_run_at,omitempty"`
	LockedBy     *string    `bson:"locked_by,omitempty"`
	LockedUntil  *time.Time `bson:"locked_until,omitempty"`
	Enabled      bool       `bson:"enabled"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func toCronModel(e *cron.Entry) *cronEntryModel {
	m := &cronEntryModel{
		ID:           e.ID.String(),
		Name:         e.Name,
		Schedule:     e.Schedule,
		WorkflowType: e.WorkflowType,
		Input:        e.Input,
		LastRunAt:    e.LastRunAt,
		NextRunAt:    e.NextRunAt,
		LockedUntil:  e.LockedUntil,
		Enabled:      e.Enabled,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.LockedBy != "" {
		m.LockedBy = &e.LockedBy
	}
	return m
}

func fromCronModel(m *cronEntryModel) (*cron.Entry, error) {
	parsedID, err := id.ParseCronID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse cron id %q: %w", m.ID, err)
	}

	e := &cron.Entry{
		Entity: cascade.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		Name:         m.Name,
		Schedule:     m.Schedule,
		WorkflowType: m.WorkflowType,
		Input:        m.Input,
		LastRunAt:    m.LastRunAt,
		NextRunAt:    m.NextRunAt,
		LockedUntil:  m.LockedUntil,
		Enabled:      m.Enabled,
	}
	if m.LockedBy != nil {
		e.LockedBy = *m.LockedBy
	}
	return e, nil
}

// ── Dead letter model ─────────────────────────────────────────────

type deadLetterModel struct {
	ID           string     `bson:"_id"`
	InstanceID   string     `bson:"instance_id"`
	WorkflowType string     `bson:"workflow_type"`
	StepID       string     `bson:"step_id"`
	Handler      string     `bson:"handler"`
	State        []byte     `bson:"state,omitempty"`
	Error        string     `bson:"error"`
	Attempts     int        `bson:"attempts"`
	MaxAttempts  int        `bson:"max_attempts"`
	FailedAt     time.Time  `bson:"failed_at"`
	ReplayedAt   *time.Time `bson:"replayed_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
}

func toDeadLetterModel(e *dlq.Entry) *deadLetterModel {
	return &deadLetterModel{
		ID:           e.ID.String(),
		InstanceID:   e.InstanceID.String(),
		WorkflowType: e.WorkflowType,
		StepID:       e.StepID,
		Handler:      e.Handler,
		State:        e.State,
		Error:        e.Error,
		Attempts:     e.Attempts,
		MaxAttempts:  e.MaxAttempts,
		FailedAt:     e.FailedAt,
		ReplayedAt:   e.ReplayedAt,
		CreatedAt:    e.CreatedAt,
	}
}

func fromDeadLetterModel(m *deadLetterModel) (*dlq.Entry, error) {
	parsedID, err := id.ParseDeadLetterID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse dead letter id %q: %w", m.ID, err)
	}
	parsedInstance, err := id.ParseInstanceID(m.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse instance id %q: %w", m.InstanceID, err)
	}

	return &dlq.Entry{
		ID:           parsedID,
		InstanceID:   parsedInstance,
		WorkflowType: m.WorkflowType,
		StepID:       m.StepID,
		Handler:      m.Handler,
		State:        m.State,
		Error:        m.Error,
		Attempts:     m.Attempts,
		MaxAttempts:  m.MaxAttempts,
		FailedAt:     m.FailedAt,
		ReplayedAt:   m.ReplayedAt,
		CreatedAt:    m.CreatedAt,
	}, nil
}

// ── History event model ───────────────────────────────────────────

// eventModel carries a seq assigned from the counter collection; it, not
// created_at, is the append order.
type eventModel struct {
	ID         string    `bson:"_id"`
	Seq        int64     `bson:"seq"`
	InstanceID string    `bson:"instance_id"`
	Kind       string    `bson:"kind"`
	StepID     string    `bson:"step_id,omitempty"`
	Attempt    int       `bson:"attempt,omitempty"`
	Detail     string    `bson:"detail,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
}

func toEventModel(evt *history.Event, seq int64) *eventModel {
	return &eventModel{
		ID:         evt.ID.String(),
		Seq:        seq,
		InstanceID: evt.InstanceID.String(),
		Kind:       string(evt.Kind),
		StepID:     evt.StepID,
		Attempt:    evt.Attempt,
		Detail:     evt.Detail,
		CreatedAt:  evt.CreatedAt,
	}
}

func fromEventModel(m *eventModel) (*history.Event, error) {
	parsedID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse event id %q: %w", m.ID, err)
	}
	parsedInstance, err := id.ParseInstanceID(m.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse instance id %q: %w", m.InstanceID, err)
	}

	return &history.Event{
		ID:         parsedID,
		InstanceID: parsedInstance,
		Kind:       history.Kind(m.Kind),
		StepID:     m.StepID,
		Attempt:    m.Attempt,
		Detail:     m.Detail,
		CreatedAt:  m.CreatedAt,
	}, nil
}

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	ID            string            `bson:"_id"`
	Hostname      string            `bson:"hostname"`
	WorkflowTypes []string          `bson:"workflow_types,omitempty"`
	Concurrency   int               `bson:"concurrency"`
	State         string            `bson:"state"`
	IsLeader      bool              `bson:"is_leader"`
	LeaderUntil   *time.Time        `bson:"leader_until,omitempty"`
	LastSeen      time.Time         `bson:"last_seen"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:            w.ID.String(),
		Hostname:      w.Hostname,
		WorkflowTypes: w.WorkflowTypes,
		Concurrency:   w.Concurrency,
		State:         string(w.State),
		IsLeader:      w.IsLeader,
		LeaderUntil:   w.LeaderUntil,
		LastSeen:      w.LastSeen,
		Metadata:      w.Metadata,
		CreatedAt:     w.CreatedAt,
	}
}

func fromWorkerModel(m *workerModel) (*cluster.Worker, error) {
	parsedID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/mongo: parse worker id %q: %w", m.ID, err)
	}

	return &cluster.Worker{
		ID:            parsedID,
		Hostname:      m.Hostname,
		WorkflowTypes: m.WorkflowTypes,
		Concurrency:   m.Concurrency,
		State:         cluster.WorkerState(m.State),
		IsLeader:      m.IsLeader,
		LeaderUntil:   m.LeaderUntil,
		LastSeen:      m.LastSeen,
		Metadata:      m.Metadata,
		CreatedAt:     m.CreatedAt,
	}, nil
}
