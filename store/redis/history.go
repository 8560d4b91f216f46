package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
)

// AppendEvent appends the event to the instance's history Stream. The
// stream's entry order carries the append order, so events recorded within
// the same clock tick still list back in insertion order.
func (s *Store) AppendEvent(ctx context.Context, evt *history.Event) error {
	instID := evt.InstanceID.String()

	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: historyKey(instID),
		Values: map[string]interface{}{
			"id":         evt.ID.String(),
			"kind":       string(evt.Kind),
			"step_id":    evt.StepID,
			"attempt":    strconv.Itoa(evt.Attempt),
			"detail":     evt.Detail,
			"created_at": evt.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	pipe.SAdd(ctx, historyInstancesKey, instID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: append event: %w", err)
	}
	return nil
}

// ListEvents returns an instance's events in chronological order.
func (s *Store) ListEvents(ctx context.Context, instanceID id.InstanceID, opts history.ListOpts) ([]*history.Event, error) {
	msgs, err := s.client.XRange(ctx, historyKey(instanceID.String()), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list events: %w", err)
	}

	events := make([]*history.Event, 0, len(msgs))
	for _, msg := range msgs {
		evt, convErr := streamToEvent(instanceID, msg)
		if convErr != nil {
			continue
		}
		events = append(events, evt)
	}

	if opts.Offset > 0 && opts.Offset < len(events) {
		events = events[opts.Offset:]
	} else if opts.Offset >= len(events) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(events) {
		events = events[:opts.Limit]
	}
	return events, nil
}

// PurgeEvents removes events created before the given time. Returns the
// number of events removed.
func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	instIDs, err := s.client.SMembers(ctx, historyInstancesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: purge events smembers: %w", err)
	}

	var purged int64
	for _, instID := range instIDs {
		stream := historyKey(instID)
		msgs, rangeErr := s.client.XRange(ctx, stream, "-", "+").Result()
		if rangeErr != nil {
			return purged, fmt.Errorf("cascade/redis: purge events xrange: %w", rangeErr)
		}

		var stale []string
		for _, msg := range msgs {
			createdAt, _ := time.Parse(time.RFC3339Nano, xmsgStr(msg, "created_at")) //nolint:errcheck // best-effort parse from trusted Redis data
			if createdAt.Before(before) {
				stale = append(stale, msg.ID)
			}
		}
		if len(stale) == 0 {
			continue
		}

		removed, delErr := s.client.XDel(ctx, stream, stale...).Result()
		if delErr != nil {
			return purged, fmt.Errorf("cascade/redis: purge events xdel: %w", delErr)
		}
		purged += removed

		length, lenErr := s.client.XLen(ctx, stream).Result()
		if lenErr == nil && length == 0 {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, stream)
			pipe.SRem(ctx, historyInstancesKey, instID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				s.logger.Warn("failed to drop empty history stream", "instance_id", instID, "error", pErr)
			}
		}
	}
	return purged, nil
}

// ── helpers ──

// xmsgStr extracts a string field from a stream message.
func xmsgStr(msg goredis.XMessage, field string) string {
	v, ok := msg.Values[field].(string)
	if !ok {
		return ""
	}
	return v
}

func streamToEvent(instanceID id.InstanceID, msg goredis.XMessage) (*history.Event, error) {
	evtID, err := id.ParseEventID(xmsgStr(msg, "id"))
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: parse event id: %w", err)
	}

	attempt, _ := strconv.Atoi(xmsgStr(msg, "attempt"))                          //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, xmsgStr(msg, "created_at"))     //nolint:errcheck // best-effort parse from trusted Redis data

	return &history.Event{
		ID:         evtID,
		InstanceID: instanceID,
		Kind:       history.Kind(xmsgStr(msg, "kind")),
		StepID:     xmsgStr(msg, "step_id"),
		Attempt:    attempt,
		Detail:     xmsgStr(msg, "detail"),
		CreatedAt:  createdAt,
	}, nil
}
