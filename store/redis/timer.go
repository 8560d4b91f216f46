package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/timer"
)

// SchedulePending stores the invocation as a Hash and adds it to the pending
// Sorted Set scored by due time.
func (s *Store) SchedulePending(ctx context.Context, inv *timer.Invocation) error {
	invID := inv.ID.String()
	instID := inv.InstanceID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, invocationKey(invID), invocationToMap(inv))
	pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: dueScore(inv.DueAt), Member: invID})
	pipe.SAdd(ctx, instanceInvsKey(instID), invID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: schedule pending: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit due pending invocations for workerID. ZREM is
// the handoff point: only the caller whose ZREM removes the member owns the
// invocation, so concurrent pollers never claim the same one twice.
func (s *Store) ClaimDue(ctx context.Context, workerID id.WorkerID, now time.Time, limit int) ([]*timer.Invocation, error) {
	if limit <= 0 {
		return nil, nil
	}

	due, err := s.client.ZRangeByScore(ctx, pendingKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: claim due range: %w", err)
	}

	nowStr := now.UTC().Format(time.RFC3339Nano)
	var claimed []*timer.Invocation
	for _, invID := range due {
		removed, remErr := s.client.ZRem(ctx, pendingKey, invID).Result()
		if remErr != nil {
			return claimed, fmt.Errorf("cascade/redis: claim due zrem: %w", remErr)
		}
		if removed == 0 {
			continue // another poller got it first
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, invocationKey(invID),
			"state", string(timer.StateClaimed),
			"worker_id", workerID.String(),
			"heartbeat_at", nowStr,
			"updated_at", nowStr,
		)
		pipe.SAdd(ctx, claimedKey, invID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return claimed, fmt.Errorf("cascade/redis: claim due update: %w", pErr)
		}

		inv, getErr := s.getInvocationByKey(ctx, invocationKey(invID))
		if getErr != nil {
			continue // hash gone between ZREM and read
		}
		claimed = append(claimed, inv)
	}

	sort.Slice(claimed, func(i, k int) bool {
		return claimed[i].DueAt.Before(claimed[k].DueAt)
	})
	return claimed, nil
}

// GetInvocation retrieves an invocation by ID.
func (s *Store) GetInvocation(ctx context.Context, invID id.InvocationID) (*timer.Invocation, error) {
	return s.getInvocationByKey(ctx, invocationKey(invID.String()))
}

// CompleteInvocation deletes a claimed invocation. The second completion
// attempt finds no hash and fails, making this the exactly-once point.
func (s *Store) CompleteInvocation(ctx context.Context, invID id.InvocationID) error {
	iID := invID.String()
	key := invocationKey(iID)

	instID, err := s.client.HGet(ctx, key, "instance_id").Result()
	if err != nil {
		if isRedisNil(err) {
			return cascade.ErrInvocationNotFound
		}
		return fmt.Errorf("cascade/redis: complete invocation get: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, pendingKey, iID)
	pipe.SRem(ctx, claimedKey, iID)
	pipe.SRem(ctx, instanceInvsKey(instID), iID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: complete invocation: %w", err)
	}
	return nil
}

// ReleaseInvocation returns a claimed invocation to the pending set,
// preserving its original due time.
func (s *Store) ReleaseInvocation(ctx context.Context, invID id.InvocationID) error {
	iID := invID.String()
	key := invocationKey(iID)

	inv, err := s.getInvocationByKey(ctx, key)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(timer.StatePending),
		"worker_id", "",
		"heartbeat_at", "",
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.SRem(ctx, claimedKey, iID)
	pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: dueScore(inv.DueAt), Member: iID})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: release invocation: %w", err)
	}
	return nil
}

// CancelInstance removes all pending invocations for an instance. Claimed
// invocations are left alone; their in-flight processing resolves against
// the completed instance.
func (s *Store) CancelInstance(ctx context.Context, instanceID id.InstanceID) (int, error) {
	instID := instanceID.String()

	ids, err := s.client.SMembers(ctx, instanceInvsKey(instID)).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: cancel instance smembers: %w", err)
	}

	removed := 0
	for _, invID := range ids {
		key := invocationKey(invID)
		state, getErr := s.client.HGet(ctx, key, "state").Result()
		if getErr != nil {
			continue
		}
		if timer.State(state) != timer.StatePending {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, pendingKey, invID)
		pipe.SRem(ctx, instanceInvsKey(instID), invID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return removed, fmt.Errorf("cascade/redis: cancel instance del: %w", pErr)
		}
		removed++
	}
	return removed, nil
}

// HeartbeatInvocation refreshes the claim's liveness timestamp. The worker
// filter means a reaped-and-reclaimed invocation rejects the old holder's
// heartbeat.
func (s *Store) HeartbeatInvocation(ctx context.Context, invID id.InvocationID, workerID id.WorkerID) error {
	key := invocationKey(invID.String())

	holder, err := s.client.HGet(ctx, key, "worker_id").Result()
	if err != nil {
		if isRedisNil(err) {
			return cascade.ErrInvocationNotFound
		}
		return fmt.Errorf("cascade/redis: heartbeat invocation get: %w", err)
	}
	if holder != workerID.String() {
		return cascade.ErrInvocationNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: heartbeat invocation: %w", err)
	}
	return nil
}

// ReapStaleClaims returns to pending all claimed invocations whose last
// heartbeat is older than threshold.
func (s *Store) ReapStaleClaims(ctx context.Context, threshold time.Duration) ([]*timer.Invocation, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, claimedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: reap stale smembers: %w", err)
	}

	var released []*timer.Invocation
	for _, invID := range ids {
		key := invocationKey(invID)
		inv, getErr := s.getInvocationByKey(ctx, key)
		if getErr != nil {
			continue
		}
		if inv.HeartbeatAt == nil || !inv.HeartbeatAt.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key,
			"state", string(timer.StatePending),
			"worker_id", "",
			"heartbeat_at", "",
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		pipe.SRem(ctx, claimedKey, invID)
		pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: dueScore(inv.DueAt), Member: invID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return released, fmt.Errorf("cascade/redis: reap stale release: %w", pErr)
		}

		inv.State = timer.StatePending
		inv.WorkerID = id.Nil
		inv.HeartbeatAt = nil
		released = append(released, inv)
	}
	return released, nil
}

// CountInvocations returns the number of invocations matching the given
// options.
func (s *Store) CountInvocations(ctx context.Context, opts timer.CountOpts) (int64, error) {
	if !opts.InstanceID.IsNil() {
		ids, err := s.client.SMembers(ctx, instanceInvsKey(opts.InstanceID.String())).Result()
		if err != nil {
			return 0, fmt.Errorf("cascade/redis: count invocations smembers: %w", err)
		}
		if opts.State == "" {
			return int64(len(ids)), nil
		}
		var count int64
		for _, invID := range ids {
			state, getErr := s.client.HGet(ctx, invocationKey(invID), "state").Result()
			if getErr != nil {
				continue
			}
			if timer.State(state) == opts.State {
				count++
			}
		}
		return count, nil
	}

	switch opts.State {
	case timer.StatePending:
		n, err := s.client.ZCard(ctx, pendingKey).Result()
		if err != nil {
			return 0, fmt.Errorf("cascade/redis: count pending: %w", err)
		}
		return n, nil
	case timer.StateClaimed:
		n, err := s.client.SCard(ctx, claimedKey).Result()
		if err != nil {
			return 0, fmt.Errorf("cascade/redis: count claimed: %w", err)
		}
		return n, nil
	default:
		pending, err := s.client.ZCard(ctx, pendingKey).Result()
		if err != nil {
			return 0, fmt.Errorf("cascade/redis: count pending: %w", err)
		}
		claimed, err := s.client.SCard(ctx, claimedKey).Result()
		if err != nil {
			return 0, fmt.Errorf("cascade/redis: count claimed: %w", err)
		}
		return pending + claimed, nil
	}
}

// ── helpers ──

// dueScore converts a due time to a sorted-set score. Millisecond precision
// matches the claim cutoff granularity.
func dueScore(dueAt time.Time) float64 {
	return float64(dueAt.UnixMilli())
}

func invocationToMap(inv *timer.Invocation) map[string]interface{} {
	m := map[string]interface{}{
		"id":            inv.ID.String(),
		"instance_id":   inv.InstanceID.String(),
		"workflow_type": inv.WorkflowType,
		"step_id":       inv.StepID,
		"due_at":        inv.DueAt.Format(time.RFC3339Nano),
		"state":         string(timer.StatePending),
		"worker_id":     "",
		"created_at":    inv.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    inv.UpdatedAt.Format(time.RFC3339Nano),
	}
	if inv.HeartbeatAt != nil {
		m["heartbeat_at"] = inv.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getInvocationByKey(ctx context.Context, key string) (*timer.Invocation, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: get invocation: %w", err)
	}
	if len(vals) == 0 {
		return nil, cascade.ErrInvocationNotFound
	}
	return mapToInvocation(vals)
}

func mapToInvocation(m map[string]string) (*timer.Invocation, error) {
	invID, err := id.ParseInvocationID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: parse invocation id: %w", err)
	}
	instID, err := id.ParseInstanceID(m["instance_id"])
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: parse instance id: %w", err)
	}

	dueAt, _ := time.Parse(time.RFC3339Nano, m["due_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	inv := &timer.Invocation{
		Entity: cascade.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           invID,
		InstanceID:   instID,
		WorkflowType: m["workflow_type"],
		StepID:       m["step_id"],
		DueAt:        dueAt,
		State:        timer.State(m["state"]),
	}

	if wid := m["worker_id"]; wid != "" {
		inv.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		inv.HeartbeatAt = &t
	}

	return inv, nil
}
