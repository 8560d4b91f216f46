package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

// PushDeadLetter adds a terminal step failure to the dead letter queue.
func (s *Store) PushDeadLetter(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dlqKey(eID), deadLetterToMap(entry))
	pipe.SAdd(ctx, dlqIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns DLQ entries matching the given options, oldest
// failure first.
func (s *Store) ListDeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list dead letters: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, dlqKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToDeadLetter(vals)
		if convErr != nil {
			continue
		}
		if opts.WorkflowType != "" && e.WorkflowType != opts.WorkflowType {
			continue
		}
		if !opts.InstanceID.IsNil() && e.InstanceID.String() != opts.InstanceID.String() {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, k int) bool {
		return entries[i].FailedAt.Before(entries[k].FailedAt)
	})

	if opts.Offset > 0 && opts.Offset < len(entries) {
		entries = entries[opts.Offset:]
	} else if opts.Offset >= len(entries) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDeadLetter retrieves a DLQ entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: get dead letter: %w", err)
	}
	if len(vals) == 0 {
		return nil, cascade.ErrDeadLetterNotFound
	}
	return mapToDeadLetter(vals)
}

// MarkReplayed records that a DLQ entry was replayed.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	key := dlqKey(entryID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: mark replayed exists: %w", err)
	}
	if exists == 0 {
		return cascade.ErrDeadLetterNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"replayed_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: mark replayed: %w", err)
	}
	return nil
}

// PurgeDeadLetters removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: purge dead letters smembers: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		key := dlqKey(eID)
		failedAtStr, getErr := s.client.HGet(ctx, key, "failed_at").Result()
		if getErr != nil {
			if isRedisNil(getErr) {
				continue
			}
			return purged, fmt.Errorf("cascade/redis: purge dead letters get: %w", getErr)
		}

		failedAt, _ := time.Parse(time.RFC3339Nano, failedAtStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if failedAt.Before(before) {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, dlqIDsKey, eID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return purged, fmt.Errorf("cascade/redis: purge dead letters del: %w", pErr)
			}
			purged++
		}
	}
	return purged, nil
}

// CountDeadLetters returns the total number of entries in the dead letter
// queue.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: count dead letters: %w", err)
	}
	return count, nil
}

// ── helpers ──

func deadLetterToMap(e *dlq.Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":            e.ID.String(),
		"instance_id":   e.InstanceID.String(),
		"workflow_type": e.WorkflowType,
		"step_id":       e.StepID,
		"handler":       e.Handler,
		"state":         string(e.State),
		"error":         e.Error,
		"attempts":      strconv.Itoa(e.Attempts),
		"max_attempts":  strconv.Itoa(e.MaxAttempts),
		"failed_at":     e.FailedAt.Format(time.RFC3339Nano),
		"created_at":    e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToDeadLetter(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDeadLetterID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: parse dead letter id: %w", err)
	}
	instID, err := id.ParseInstanceID(m["instance_id"])
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: parse instance id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempts"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])             //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &dlq.Entry{
		ID:           eID,
		InstanceID:   instID,
		WorkflowType: m["workflow_type"],
		StepID:       m["step_id"],
		Handler:      m["handler"],
		State:        []byte(m["state"]),
		Error:        m["error"],
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		FailedAt:     failedAt,
		CreatedAt:    createdAt,
	}

	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}
	return e, nil
}
