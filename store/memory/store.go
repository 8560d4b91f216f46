package memory

import (
	"context"
	"sort"
	"sync"
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

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ timer.Store    = (*Store)(nil)
	_ instance.Store = (*Store)(nil)
	_ cron.Store     = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
	_ history.Store  = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	invocations map[string]*timer.Invocation
	instances   map[string]*instance.Instance
	crons       map[string]*cron.Entry
	dlqs        map[string]*dlq.Entry
	histories   map[string][]*history.Event // key: instance ID
	workers     map[string]*cluster.Worker

	// leader tracks the current cluster leader worker ID string.
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		invocations: make(map[string]*timer.Invocation),
		instances:   make(map[string]*instance.Instance),
		crons:       make(map[string]*cron.Entry),
		dlqs:        make(map[string]*dlq.Entry),
		histories:   make(map[string][]*history.Event),
		workers:     make(map[string]*cluster.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Timer Store
// ──────────────────────────────────────────────────

// SchedulePending persists a new invocation in pending state.
func (m *Store) SchedulePending(_ context.Context, inv *timer.Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inv
	m.invocations[inv.ID.String()] = &cp
	return nil
}

// ClaimDue atomically claims up to limit pending invocations whose due time
// has passed, marks them claimed, and returns them ordered by due time.
func (m *Store) ClaimDue(_ context.Context, workerID id.WorkerID, now time.Time, limit int) ([]*timer.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*timer.Invocation, 0, len(m.invocations))
	for _, inv := range m.invocations {
		if inv.State != timer.StatePending {
			continue
		}
		if inv.DueAt.After(now) {
			continue
		}
		candidates = append(candidates, inv)
	}

	// Earliest due time first.
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].DueAt.Before(candidates[k].DueAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*timer.Invocation, len(candidates))
	for i, inv := range candidates {
		inv.State = timer.StateClaimed
		inv.WorkerID = workerID
		hb := now
		inv.HeartbeatAt = &hb
		inv.Touch()
		// Return a copy so callers can mutate without racing with the store.
		cp := *inv
		result[i] = &cp
	}

	return result, nil
}

// GetInvocation retrieves an invocation by ID.
func (m *Store) GetInvocation(_ context.Context, invID id.InvocationID) (*timer.Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invocations[invID.String()]
	if !ok {
		return nil, cascade.ErrInvocationNotFound
	}
	cp := *inv
	return &cp, nil
}

// CompleteInvocation deletes an invocation after successful processing.
// The delete is the exactly-once consumption point: a second complete for
// the same invocation fails with ErrInvocationNotFound.
func (m *Store) CompleteInvocation(_ context.Context, invID id.InvocationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := invID.String()
	if _, ok := m.invocations[key]; !ok {
		return cascade.ErrInvocationNotFound
	}
	delete(m.invocations, key)
	return nil
}

// ReleaseInvocation returns a claimed invocation to the pending set,
// preserving its original due time.
func (m *Store) ReleaseInvocation(_ context.Context, invID id.InvocationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invocations[invID.String()]
	if !ok {
		return cascade.ErrInvocationNotFound
	}
	inv.State = timer.StatePending
	inv.WorkerID = id.Nil
	inv.HeartbeatAt = nil
	inv.Touch()
	return nil
}

// CancelInstance removes all pending invocations for an instance. Claimed
// invocations are left alone; their in-flight processing resolves against
// the completed instance.
func (m *Store) CancelInstance(_ context.Context, instanceID id.InstanceID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	instKey := instanceID.String()
	removed := 0
	for key, inv := range m.invocations {
		if inv.InstanceID.String() != instKey {
			continue
		}
		if inv.State != timer.StatePending {
			continue
		}
		delete(m.invocations, key)
		removed++
	}
	return removed, nil
}

// HeartbeatInvocation updates the heartbeat timestamp for a claimed
// invocation.
func (m *Store) HeartbeatInvocation(_ context.Context, invID id.InvocationID, _ id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invocations[invID.String()]
	if !ok {
		return cascade.ErrInvocationNotFound
	}
	now := time.Now().UTC()
	inv.HeartbeatAt = &now
	return nil
}

// ReapStaleClaims returns to pending all claimed invocations whose last
// heartbeat is older than the given threshold.
func (m *Store) ReapStaleClaims(_ context.Context, threshold time.Duration) ([]*timer.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var released []*timer.Invocation
	for _, inv := range m.invocations {
		if inv.State != timer.StateClaimed {
			continue
		}
		if inv.HeartbeatAt == nil || !inv.HeartbeatAt.Before(cutoff) {
			continue
		}
		inv.State = timer.StatePending
		inv.WorkerID = id.Nil
		inv.HeartbeatAt = nil
		inv.Touch()
		cp := *inv
		released = append(released, &cp)
	}
	return released, nil
}

// CountInvocations returns the number of invocations matching the given
// options.
func (m *Store) CountInvocations(_ context.Context, opts timer.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, inv := range m.invocations {
		if !opts.InstanceID.IsNil() && inv.InstanceID.String() != opts.InstanceID.String() {
			continue
		}
		if opts.State != "" && inv.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Instance Store
// ──────────────────────────────────────────────────

// copyInstance clones an instance including its attempts map, so callers
// never share mutable state with the store.
func copyInstance(inst *instance.Instance) *instance.Instance {
	cp := *inst
	if inst.Attempts != nil {
		cp.Attempts = make(map[string]int, len(inst.Attempts))
		for k, v := range inst.Attempts {
			cp.Attempts[k] = v
		}
	}
	return &cp
}

// CreateInstance persists a new instance.
func (m *Store) CreateInstance(_ context.Context, inst *instance.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	if _, exists := m.instances[key]; exists {
		return cascade.ErrInstanceAlreadyExists
	}
	m.instances[key] = copyInstance(inst)
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return nil, cascade.ErrInstanceNotFound
	}
	return copyInstance(inst), nil
}

// SaveState replaces the instance's shared state blob.
func (m *Store) SaveState(_ context.Context, instanceID id.InstanceID, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return cascade.ErrInstanceNotFound
	}
	inst.State = state
	inst.Touch()
	return nil
}

// MarkComplete transitions the instance to COMPLETED. Idempotent:
// completing a COMPLETED instance keeps the original completion time.
func (m *Store) MarkComplete(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return cascade.ErrInstanceNotFound
	}
	if inst.Status == instance.StatusCompleted {
		return nil
	}
	now := time.Now().UTC()
	inst.Status = instance.StatusCompleted
	inst.CompletedAt = &now
	inst.Touch()
	return nil
}

// RecordAttempt increments the attempt counter for a step and returns the
// post-increment value.
func (m *Store) RecordAttempt(_ context.Context, instanceID id.InstanceID, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return 0, cascade.ErrInstanceNotFound
	}
	if inst.Attempts == nil {
		inst.Attempts = make(map[string]int)
	}
	inst.Attempts[stepID]++
	inst.Touch()
	return inst.Attempts[stepID], nil
}

// AddPending adjusts the instance's outstanding-invocation counter by delta
// and returns the new value.
func (m *Store) AddPending(_ context.Context, instanceID id.InstanceID, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return 0, cascade.ErrInstanceNotFound
	}
	inst.Pending += delta
	inst.Touch()
	return inst.Pending, nil
}

// ListInstances returns instances matching the given options, newest first.
func (m *Store) ListInstances(_ context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		if opts.Type != "" && inst.Type != opts.Type {
			continue
		}
		result = append(result, copyInstance(inst))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountInstances returns the number of instances with the given status.
func (m *Store) CountInstances(_ context.Context, status instance.Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, inst := range m.instances {
		if status != "" && inst.Status != status {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Cron Store
// ──────────────────────────────────────────────────

// RegisterCron persists a new cron entry. Returns an error if the name
// already exists.
func (m *Store) RegisterCron(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check for duplicate name.
	for _, e := range m.crons {
		if e.Name == entry.Name {
			return cascade.ErrDuplicateCron
		}
	}

	cp := *entry
	m.crons[entry.ID.String()] = &cp
	return nil
}

// GetCron retrieves a cron entry by ID.
func (m *Store) GetCron(_ context.Context, entryID id.CronID) (*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return nil, cascade.ErrCronNotFound
	}
	cp := *e
	return &cp, nil
}

// ListCrons returns all cron entries.
func (m *Store) ListCrons(_ context.Context) ([]*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cron.Entry, 0, len(m.crons))
	for _, e := range m.crons {
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// AcquireCronLock attempts to acquire a distributed lock for a cron entry.
func (m *Store) AcquireCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return false, cascade.ErrCronNotFound
	}

	now := time.Now().UTC()

	// If already locked by someone else and lock hasn't expired, fail.
	if e.LockedBy != "" && e.LockedUntil != nil && e.LockedUntil.After(now) {
		if e.LockedBy != workerID.String() {
			return false, nil
		}
	}

	e.LockedBy = workerID.String()
	until := now.Add(ttl)
	e.LockedUntil = &until
	return true, nil
}

// ReleaseCronLock releases the distributed lock for a cron entry.
func (m *Store) ReleaseCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return cascade.ErrCronNotFound
	}

	if e.LockedBy != workerID.String() {
		return nil // not holding the lock; no-op
	}

	e.LockedBy = ""
	e.LockedUntil = nil
	return nil
}

// UpdateCronLastRun records when a cron entry last fired.
func (m *Store) UpdateCronLastRun(_ context.Context, entryID id.CronID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return cascade.ErrCronNotFound
	}
	e.LastRunAt = &at
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateCronEntry updates a cron entry's configuration. Lock and last-run
// bookkeeping are managed through their own methods and are preserved.
func (m *Store) UpdateCronEntry(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	existing, ok := m.crons[key]
	if !ok {
		return cascade.ErrCronNotFound
	}
	cp := *entry
	cp.LastRunAt = existing.LastRunAt
	cp.LockedBy = existing.LockedBy
	cp.LockedUntil = existing.LockedUntil
	cp.UpdatedAt = time.Now().UTC()
	m.crons[key] = &cp
	return nil
}

// DeleteCron removes a cron entry by ID.
func (m *Store) DeleteCron(_ context.Context, entryID id.CronID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.crons[key]; !ok {
		return cascade.ErrCronNotFound
	}
	delete(m.crons, key)
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDeadLetter adds a terminal step failure to the dead letter queue.
func (m *Store) PushDeadLetter(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDeadLetters returns DLQ entries matching the given options.
func (m *Store) ListDeadLetters(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.WorkflowType != "" && e.WorkflowType != opts.WorkflowType {
			continue
		}
		if !opts.InstanceID.IsNil() && e.InstanceID.String() != opts.InstanceID.String() {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDeadLetter retrieves a DLQ entry by ID.
func (m *Store) GetDeadLetter(_ context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, cascade.ErrDeadLetterNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkReplayed records that a DLQ entry was replayed.
func (m *Store) MarkReplayed(_ context.Context, entryID id.DeadLetterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return cascade.ErrDeadLetterNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDeadLetters removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDeadLetters(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDeadLetters returns the total number of entries in the dead letter
// queue.
func (m *Store) CountDeadLetters(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.dlqs)), nil
}

// ──────────────────────────────────────────────────
// History Store
// ──────────────────────────────────────────────────

// AppendEvent persists a new history event.
func (m *Store) AppendEvent(_ context.Context, evt *history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.InstanceID.String()
	cp := *evt
	m.histories[key] = append(m.histories[key], &cp)
	return nil
}

// ListEvents returns an instance's events in chronological order. Append
// order is the chronological order: events are recorded as they happen.
func (m *Store) ListEvents(_ context.Context, instanceID id.InstanceID, opts history.ListOpts) ([]*history.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.histories[instanceID.String()]
	result := make([]*history.Event, 0, len(events))
	for _, evt := range events {
		cp := *evt
		result = append(result, &cp)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// PurgeEvents removes events created before the given time.
func (m *Store) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, events := range m.histories {
		kept := events[:0]
		for _, evt := range events {
			if evt.CreatedAt.Before(before) {
				count++
				continue
			}
			kept = append(kept, evt)
		}
		if len(kept) == 0 {
			delete(m.histories, key)
		} else {
			m.histories[key] = kept
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterWorker adds a new worker to the cluster registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return cascade.ErrWorkerNotFound
	}
	delete(m.workers, key)
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return cascade.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older than
// the given threshold.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Worker
	for _, w := range m.workers {
		if w.LastSeen.Before(cutoff) {
			cp := *w
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	wKey := workerID.String()

	// If there's already a leader whose TTL hasn't expired and it's not us, fail.
	if m.leader != "" && m.leaderUntil.After(now) && m.leader != wKey {
		return false, nil
	}

	// Acquire (or re-acquire) leadership.
	m.leader = wKey
	m.leaderUntil = now.Add(ttl)

	// Update worker record.
	if w, ok := m.workers[wKey]; ok {
		w.IsLeader = true
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wKey := workerID.String()
	if m.leader != wKey {
		return false, nil
	}

	m.leaderUntil = time.Now().UTC().Add(ttl)

	if w, ok := m.workers[wKey]; ok {
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}

	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}
