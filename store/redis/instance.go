package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
)

// CreateInstance stores the instance as a Hash and indexes its ID.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance) error {
	iID := inst.ID.String()
	key := instanceKey(iID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: create instance exists: %w", err)
	}
	if exists > 0 {
		return cascade.ErrInstanceAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, instanceToMap(inst))
	pipe.SAdd(ctx, instanceIDsKey, iID)
	for stepID, count := range inst.Attempts {
		pipe.HSet(ctx, attemptsKey(iID), stepID, strconv.Itoa(count))
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	iID := instanceID.String()

	vals, err := s.client.HGetAll(ctx, instanceKey(iID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: get instance: %w", err)
	}
	if len(vals) == 0 {
		return nil, cascade.ErrInstanceNotFound
	}

	inst, err := mapToInstance(vals)
	if err != nil {
		return nil, err
	}

	attempts, err := s.client.HGetAll(ctx, attemptsKey(iID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: get instance attempts: %w", err)
	}
	inst.Attempts = make(map[string]int, len(attempts))
	for stepID, v := range attempts {
		n, _ := strconv.Atoi(v) //nolint:errcheck // best-effort parse from trusted Redis data
		inst.Attempts[stepID] = n
	}
	return inst, nil
}

// SaveState replaces the instance's shared state blob.
func (s *Store) SaveState(ctx context.Context, instanceID id.InstanceID, state []byte) error {
	key := instanceKey(instanceID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: save state exists: %w", err)
	}
	if exists == 0 {
		return cascade.ErrInstanceNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"state", string(state),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: save state: %w", err)
	}
	return nil
}

// MarkComplete transitions the instance to COMPLETED. Completing a completed
// instance keeps the original completion time.
func (s *Store) MarkComplete(ctx context.Context, instanceID id.InstanceID) error {
	key := instanceKey(instanceID.String())

	status, err := s.client.HGet(ctx, key, "status").Result()
	if err != nil {
		if isRedisNil(err) {
			return cascade.ErrInstanceNotFound
		}
		return fmt.Errorf("cascade/redis: mark complete get status: %w", err)
	}
	if instance.Status(status) == instance.StatusCompleted {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"status", string(instance.StatusCompleted),
		"completed_at", now,
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: mark complete: %w", err)
	}
	return nil
}

// RecordAttempt atomically increments the attempt counter for a step via
// HINCRBY and returns the post-increment value.
func (s *Store) RecordAttempt(ctx context.Context, instanceID id.InstanceID, stepID string) (int, error) {
	iID := instanceID.String()

	exists, err := s.client.Exists(ctx, instanceKey(iID)).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: record attempt exists: %w", err)
	}
	if exists == 0 {
		return 0, cascade.ErrInstanceNotFound
	}

	count, err := s.client.HIncrBy(ctx, attemptsKey(iID), stepID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: record attempt: %w", err)
	}
	return int(count), nil
}

// AddPending atomically adjusts the instance's outstanding-invocation counter
// by delta and returns the new value.
func (s *Store) AddPending(ctx context.Context, instanceID id.InstanceID, delta int) (int, error) {
	key := instanceKey(instanceID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: add pending exists: %w", err)
	}
	if exists == 0 {
		return 0, cascade.ErrInstanceNotFound
	}

	pending, err := s.client.HIncrBy(ctx, key, "pending", int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: add pending: %w", err)
	}
	return int(pending), nil
}

// ListInstances returns instances matching the given options, newest first.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list instances smembers: %w", err)
	}

	instances := make([]*instance.Instance, 0, len(ids))
	for _, iID := range ids {
		vals, getErr := s.client.HGetAll(ctx, instanceKey(iID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		inst, convErr := mapToInstance(vals)
		if convErr != nil {
			continue
		}
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		if opts.Type != "" && inst.Type != opts.Type {
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, k int) bool {
		return instances[i].CreatedAt.After(instances[k].CreatedAt)
	})

	if opts.Offset > 0 && opts.Offset < len(instances) {
		instances = instances[opts.Offset:]
	} else if opts.Offset >= len(instances) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(instances) {
		instances = instances[:opts.Limit]
	}
	return instances, nil
}

// CountInstances returns the number of instances with the given status.
func (s *Store) CountInstances(ctx context.Context, status instance.Status) (int, error) {
	if status == "" {
		total, err := s.client.SCard(ctx, instanceIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("cascade/redis: count instances: %w", err)
		}
		return int(total), nil
	}

	ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: count instances smembers: %w", err)
	}

	count := 0
	for _, iID := range ids {
		st, getErr := s.client.HGet(ctx, instanceKey(iID), "status").Result()
		if getErr != nil {
			continue
		}
		if instance.Status(st) == status {
			count++
		}
	}
	return count, nil
}

// ── helpers ──

func instanceToMap(inst *instance.Instance) map[string]interface{} {
	m := map[string]interface{}{
		"id":         inst.ID.String(),
		"type":       inst.Type,
		"state":      string(inst.State),
		"status":     string(inst.Status),
		"pending":    strconv.Itoa(inst.Pending),
		"created_at": inst.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": inst.UpdatedAt.Format(time.RFC3339Nano),
	}
	if inst.CompletedAt != nil {
		m["completed_at"] = inst.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToInstance(m map[string]string) (*instance.Instance, error) {
	iID, err := id.ParseInstanceID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: parse instance id: %w", err)
	}

	pending, _ := strconv.Atoi(m["pending"])                      //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	inst := &instance.Instance{
		Entity: cascade.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:      iID,
		Type:    m["type"],
		State:   []byte(m["state"]),
		Status:  instance.Status(m["status"]),
		Pending: pending,
	}

	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		inst.CompletedAt = &t
	}
	return inst, nil
}
