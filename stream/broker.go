package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cascadehq/cascade/ext"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Broker)(nil)
	_ ext.InstanceStarted   = (*Broker)(nil)
	_ ext.InstanceCompleted = (*Broker)(nil)
	_ ext.InstanceCancelled = (*Broker)(nil)
	_ ext.StepStarted       = (*Broker)(nil)
	_ ext.StepCompleted     = (*Broker)(nil)
	_ ext.StepFailed        = (*Broker)(nil)
	_ ext.StepRetrying      = (*Broker)(nil)
	_ ext.TriggerFired      = (*Broker)(nil)
	_ ext.StaleDelivery     = (*Broker)(nil)
	_ ext.DeadLettered      = (*Broker)(nil)
	_ ext.CronFired         = (*Broker)(nil)
	_ ext.Shutdown          = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// interface to receive lifecycle events and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., wire server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish broadcasts an event to all matching topics plus any extra
// topics, deduplicating subscribers.
func (b *Broker) publish(evt *Event, extra ...string) {
	topics := append(resolveTopics(evt), extra...)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// stepData builds the common payload fields for an invocation's events.
func stepData(inv *timer.Invocation) StepEventData {
	return StepEventData{
		InstanceID:   inv.InstanceID.String(),
		WorkflowType: inv.WorkflowType,
		StepID:       inv.StepID,
	}
}

// ── Instance lifecycle hooks ────────────────────────

func (b *Broker) OnInstanceStarted(_ context.Context, inst *instance.Instance) error {
	b.publish(&Event{
		Type:      EventInstanceStarted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
		}),
	}, TypeTopic(inst.Type))
	return nil
}

func (b *Broker) OnInstanceCompleted(_ context.Context, inst *instance.Instance, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventInstanceCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			ElapsedMs:    elapsed.Milliseconds(),
		}),
	}, TypeTopic(inst.Type))
	return nil
}

func (b *Broker) OnInstanceCancelled(_ context.Context, inst *instance.Instance) error {
	b.publish(&Event{
		Type:      EventInstanceCancelled,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
		}),
	}, TypeTopic(inst.Type))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

func (b *Broker) OnStepStarted(_ context.Context, inv *timer.Invocation, attempt int) error {
	data := stepData(inv)
	data.Attempt = attempt
	b.publish(&Event{
		Type:      EventStepStarted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inv.InstanceID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(inv.WorkflowType))
	return nil
}

func (b *Broker) OnStepCompleted(_ context.Context, inv *timer.Invocation, attempt int, elapsed time.Duration) error {
	data := stepData(inv)
	data.Attempt = attempt
	data.ElapsedMs = elapsed.Milliseconds()
	b.publish(&Event{
		Type:      EventStepCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inv.InstanceID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(inv.WorkflowType))
	return nil
}

func (b *Broker) OnStepFailed(_ context.Context, inv *timer.Invocation, attempt int, stepErr error) error {
	data := stepData(inv)
	data.Attempt = attempt
	data.Error = stepErr.Error()
	b.publish(&Event{
		Type:      EventStepFailed,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inv.InstanceID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(inv.WorkflowType))
	return nil
}

func (b *Broker) OnStepRetrying(_ context.Context, inv *timer.Invocation, attempt int, nextDueAt time.Time) error {
	data := stepData(inv)
	data.Attempt = attempt
	data.DueAt = nextDueAt.Format(time.RFC3339)
	b.publish(&Event{
		Type:      EventStepRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inv.InstanceID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(inv.WorkflowType))
	return nil
}

func (b *Broker) OnTriggerFired(_ context.Context, inv *timer.Invocation, target string, dueAt time.Time) error {
	data := stepData(inv)
	data.Target = target
	data.DueAt = dueAt.Format(time.RFC3339)
	b.publish(&Event{
		Type:      EventStepScheduled,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inv.InstanceID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(inv.WorkflowType))
	return nil
}

func (b *Broker) OnStaleDelivery(_ context.Context, inv *timer.Invocation) error {
	b.publish(&Event{
		Type:      EventDeliveryStale,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inv.InstanceID.String()),
		Data:      mustMarshal(stepData(inv)),
	}, TypeTopic(inv.WorkflowType))
	return nil
}

func (b *Broker) OnDeadLettered(_ context.Context, inv *timer.Invocation, stepErr error) error {
	data := stepData(inv)
	data.Error = stepErr.Error()
	b.publish(&Event{
		Type:      EventStepDeadLettered,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inv.InstanceID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(inv.WorkflowType))
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

func (b *Broker) OnCronFired(_ context.Context, entryName string, instanceID id.InstanceID) error {
	b.publish(&Event{
		Type:      EventCronFired,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(CronEventData{
			EntryName:  entryName,
			InstanceID: instanceID.String(),
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
