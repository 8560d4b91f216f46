package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cluster"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// The models avoid dialect-specific column types (arrays, jsonb casts) so
// the same schema works on both SQLite and PostgreSQL. Slices and maps are
// stored as JSON, which Bun marshals on every dialect.

// ── Instance model ────────────────────────────────────────────────

type instanceModel struct {
	bun.BaseModel `bun:"table:cascade_instances"`

	ID          string     `bun:"id,pk"`
	Type        string     `bun:"type,notnull"`
	State       []byte     `bun:"state"`
	Status      string     `bun:"status,notnull,default:'running'"`
	Pending     int        `bun:"pending,notnull,default:0"`
	CompletedAt *time.Time `bun:"completed_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// attemptModel carries per-step attempt counters in a dedicated table so an
// increment is a single upsert rather than a read-modify-write on a JSON
// column.
type attemptModel struct {
	bun.BaseModel `bun:"table:cascade_instance_attempts"`

	InstanceID string `bun:"instance_id,pk"`
	StepID     string `bun:"step_id,pk"`
	Count      int    `bun:"count,notnull,default:0"`
}

func toInstanceModel(inst *instance.Instance) *instanceModel {
	return &instanceModel{
		ID:          inst.ID.String(),
		Type:        inst.Type,
		State:       inst.State,
		Status:      string(inst.Status),
		Pending:     inst.Pending,
		CompletedAt: inst.CompletedAt,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
}

func fromInstanceModel(m *instanceModel) (*instance.Instance, error) {
	parsedID, err := id.ParseInstanceID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: parse instance id %q: %w", m.ID, err)
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
		Pending:     m.Pending,
		CompletedAt: m.CompletedAt,
	}, nil
}

// ── Invocation model ──────────────────────────────────────────────

type invocationModel struct {
	bun.BaseModel `bun:"table:cascade_invocations"`

	ID           string     `bun:"id,pk"`
	InstanceID   string     `bun:"instance_id,notnull"`
	WorkflowType string     `bun:"workflow_type,notnull"`
	StepID       string     `bun:"step_id,notnull"`
	DueAt        time.Time  `bun:"due_at,notnull"`
	State        string     `bun:"state,notnull,default:'pending'"`
	WorkerID     string     `bun:"worker_id,nullzero"`
	HeartbeatAt  *time.Time `bun:"heartbeat_at"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toInvocationModel(inv *timer.Invocation) *invocationModel {
	return &invocationModel{
		ID:           inv.ID.String(),
		InstanceID:   inv.InstanceID.String(),
		WorkflowType: inv.WorkflowType,
		StepID:       inv.StepID,
		DueAt:        inv.DueAt,
		State:        string(inv.State),
		WorkerID:     inv.WorkerID.String(),
		HeartbeatAt:  inv.HeartbeatAt,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
}

func fromInvocationModel(m *invocationModel) (*timer.Invocation, error) {
	parsedID, err := id.ParseInvocationID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: parse invocation id %q: %w", m.ID, err)
	}

	parsedInstanceID, err := id.ParseInstanceID(m.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: parse instance id %q: %w", m.InstanceID, err)
	}

	inv := &timer.Invocation{
		Entity: cascade.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		InstanceID:   parsedInstanceID,
		WorkflowType: m.WorkflowType,
		StepID:       m.StepID,
		DueAt:        m.DueAt,
		State:        timer.State(m.State),
		HeartbeatAt:  m.HeartbeatAt,
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr != nil {
			return nil, fmt.Errorf("cascade/bun: parse worker id %q: %w", m.WorkerID, wErr)
		}
		inv.WorkerID = parsedWorker
	}

	return inv, nil
}

// ── Cron entry model ──────────────────────────────────────────────

type cronEntryModel struct {
	bun.BaseModel `bun:"table:cascade_cron_entries"`

	ID           string     `bun:"id,pk"`
	Name         string     `bun:"name,notnull,unique"`
	Schedule     string     `bun:"schedule,notnull"`
	WorkflowType string     `bun:"workflow_type,notnull"`
	Input        []byte     `bun:"input"`
	LastRunAt    *time.Time `bun:"last_run_at"`
	NextRunAt    *time.Time `bun:"next_run_at"`
	LockedBy     string     `bun:"locked_by,nullzero"`
	LockedUntil  *time.Time `bun:"locked_until"`
	Enabled      bool       `bun:"enabled,notnull,default:true"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toCronModel(e *cron.Entry) *cronEntryModel {
	return &cronEntryModel{
		ID:           e.ID.String(),
		Name:         e.Name,
		Schedule:     e.Schedule,
		WorkflowType: e.WorkflowType,
		Input:        e.Input,
		LastRunAt:    e.LastRunAt,
		NextRunAt:    e.NextRunAt,
		LockedBy:     e.LockedBy,
		LockedUntil:  e.LockedUntil,
		Enabled:      e.Enabled,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func fromCronModel(m *cronEntryModel) (*cron.Entry, error) {
	parsedID, err := id.ParseCronID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: parse cron id %q: %w", m.ID, err)
	}

	return &cron.Entry{
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
		LockedBy:     m.LockedBy,
		LockedUntil:  m.LockedUntil,
		Enabled:      m.Enabled,
	}, nil
}

// ── Dead letter model ─────────────────────────────────────────────

type deadLetterModel struct {
	bun.BaseModel `bun:"table:cascade_dlq"`

	ID           string     `bun:"id,pk"`
	InstanceID   string     `bun:"instance_id,notnull"`
	WorkflowType string     `bun:"workflow_type,notnull"`
	StepID       string     `bun:"step_id,notnull"`
	Handler      string     `bun:"handler,notnull"`
	State        []byte     `bun:"state"`
	Error        string     `bun:"error,notnull"`
	Attempts     int        `bun:"attempts,notnull"`
	MaxAttempts  int        `bun:"max_attempts,notnull"`
	FailedAt     time.Time  `bun:"failed_at,notnull,default:current_timestamp"`
	ReplayedAt   *time.Time `bun:"replayed_at"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
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
		return nil, fmt.Errorf("cascade/bun: parse dead letter id %q: %w", m.ID, err)
	}

	parsedInstanceID, err := id.ParseInstanceID(m.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: parse instance id %q: %w", m.InstanceID, err)
	}

	return &dlq.Entry{
		ID:           parsedID,
		InstanceID:   parsedInstanceID,
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

// eventModel keeps an autoincrement seq as the primary key: it, not
// created_at, carries the append order.
type eventModel struct {
	bun.BaseModel `bun:"table:cascade_history"`

	Seq        int64     `bun:"seq,pk,autoincrement"`
	ID         string    `bun:"id,notnull,unique"`
	InstanceID string    `bun:"instance_id,notnull"`
	Kind       string    `bun:"kind,notnull"`
	StepID     string    `bun:"step_id"`
	Attempt    int       `bun:"attempt,notnull,default:0"`
	Detail     string    `bun:"detail"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toEventModel(evt *history.Event) *eventModel {
	return &eventModel{
		ID:         evt.ID.String(),
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
		return nil, fmt.Errorf("cascade/bun: parse event id %q: %w", m.ID, err)
	}

	parsedInstanceID, err := id.ParseInstanceID(m.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("cascade/bun: parse instance id %q: %w", m.InstanceID, err)
	}

	return &history.Event{
		ID:         parsedID,
		InstanceID: parsedInstanceID,
		Kind:       history.Kind(m.Kind),
		StepID:     m.StepID,
		Attempt:    m.Attempt,
		Detail:     m.Detail,
		CreatedAt:  m.CreatedAt,
	}, nil
}

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	bun.BaseModel `bun:"table:cascade_workers"`

	ID            string            `bun:"id,pk"`
	Hostname      string            `bun:"hostname,notnull"`
	WorkflowTypes []string          `bun:"workflow_types"`
	Concurrency   int               `bun:"concurrency,notnull,default:10"`
	State         string            `bun:"state,notnull,default:'active'"`
	IsLeader      bool              `bun:"is_leader,notnull,default:false"`
	LeaderUntil   *time.Time        `bun:"leader_until"`
	LastSeen      time.Time         `bun:"last_seen,notnull,default:current_timestamp"`
	Metadata      map[string]string `bun:"metadata"`
	CreatedAt     time.Time         `bun:"created_at,notnull,default:current_timestamp"`
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
		return nil, fmt.Errorf("cascade/bun: parse worker id %q: %w", m.ID, err)
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
