package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testInvocation() *timer.Invocation {
	return &timer.Invocation{
		Entity:       cascade.NewEntity(),
		ID:           id.NewInvocationID(),
		InstanceID:   id.NewInstanceID(),
		WorkflowType: "order",
		StepID:       "charge",
		DueAt:        time.Now().UTC(),
		State:        timer.StateClaimed,
	}
}

func TestBrokerSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-1", TopicInstances)

	evt := &Event{
		Type:      EventInstanceStarted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic("wfi_123"),
		Data:      json.RawMessage(`{"instance_id":"wfi_123"}`),
	}
	b.publish(evt)

	// Event should arrive on the subscriber channel.
	select {
	case received := <-sub.C():
		if received.Type != EventInstanceStarted {
			t.Errorf("Type = %q, want %q", received.Type, EventInstanceStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to firehose — should get everything.
	firehose := b.Subscribe("firehose-sub", TopicFirehose)

	// Subscribe to just instance lifecycle events.
	instSub := b.Subscribe("inst-sub", TopicInstances)

	evt := &Event{
		Type:      EventInstanceCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic("wfi_456"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	// Both should receive the event.
	for _, sub := range []*Subscriber{firehose, instSub} {
		select {
		case <-sub.C():
			// ok
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s timed out", sub.ID())
		}
	}
}

func TestBrokerInstanceTopicIsolation(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to one specific instance.
	sub := b.Subscribe("inst-sub", InstanceTopic("wfi_abc"))

	evt := &Event{
		Type:      EventStepCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic("wfi_abc"),
		Data:      json.RawMessage(`{"step_id":"validate"}`),
	}
	b.publish(evt)

	select {
	case received := <-sub.C():
		if received.Type != EventStepCompleted {
			t.Errorf("Type = %q, want %q", received.Type, EventStepCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for step event")
	}

	// Publish to a different instance — should NOT arrive.
	evt2 := &Event{
		Type:      EventStepStarted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic("wfi_other"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt2)

	select {
	case <-sub.C():
		t.Fatal("should not receive event for a different instance")
	case <-time.After(50 * time.Millisecond):
		// ok — no event
	}
}

func TestBrokerTypeTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("type-sub", TypeTopic("order"))

	// Hooks publish to the workflow type topic as well.
	inv := testInvocation()
	if err := b.OnStepCompleted(context.Background(), inv, 1, 25*time.Millisecond); err != nil {
		t.Fatalf("OnStepCompleted: %v", err)
	}

	select {
	case received := <-sub.C():
		if received.Type != EventStepCompleted {
			t.Errorf("Type = %q, want %q", received.Type, EventStepCompleted)
		}
		var data StepEventData
		if err := json.Unmarshal(received.Data, &data); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if data.WorkflowType != "order" || data.StepID != "charge" {
			t.Errorf("payload = %+v, want order/charge", data)
		}
		if data.Attempt != 1 {
			t.Errorf("Attempt = %d, want 1", data.Attempt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for type-topic event")
	}
}

func TestBrokerHookPayloads(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("hook-sub", TopicFirehose)

	inst := &instance.Instance{
		Entity: cascade.NewEntity(),
		ID:     id.NewInstanceID(),
		Type:   "order",
		Status: instance.StatusRunning,
	}
	inv := testInvocation()

	recv := func(want EventType) *Event {
		t.Helper()
		select {
		case evt := <-sub.C():
			if evt.Type != want {
				t.Fatalf("Type = %q, want %q", evt.Type, want)
			}
			return evt
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
			return nil
		}
	}

	if err := b.OnInstanceStarted(context.Background(), inst); err != nil {
		t.Fatalf("OnInstanceStarted: %v", err)
	}
	recv(EventInstanceStarted)

	if err := b.OnStepFailed(context.Background(), inv, 2, errors.New("card declined")); err != nil {
		t.Fatalf("OnStepFailed: %v", err)
	}
	evt := recv(EventStepFailed)
	var failed StepEventData
	if err := json.Unmarshal(evt.Data, &failed); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if failed.Error != "card declined" || failed.Attempt != 2 {
		t.Errorf("payload = %+v, want error and attempt carried through", failed)
	}

	next := time.Now().UTC().Add(45 * time.Second)
	if err := b.OnStepRetrying(context.Background(), inv, 2, next); err != nil {
		t.Fatalf("OnStepRetrying: %v", err)
	}
	evt = recv(EventStepRetrying)
	var retrying StepEventData
	if err := json.Unmarshal(evt.Data, &retrying); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if retrying.DueAt != next.Format(time.RFC3339) {
		t.Errorf("DueAt = %q, want %q", retrying.DueAt, next.Format(time.RFC3339))
	}

	if err := b.OnTriggerFired(context.Background(), inv, "refund", next); err != nil {
		t.Fatalf("OnTriggerFired: %v", err)
	}
	evt = recv(EventStepScheduled)
	var scheduled StepEventData
	if err := json.Unmarshal(evt.Data, &scheduled); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if scheduled.Target != "refund" {
		t.Errorf("Target = %q, want %q", scheduled.Target, "refund")
	}

	if err := b.OnCronFired(context.Background(), "nightly", inst.ID); err != nil {
		t.Fatalf("OnCronFired: %v", err)
	}
	evt = recv(EventCronFired)
	var cronData CronEventData
	if err := json.Unmarshal(evt.Data, &cronData); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if cronData.EntryName != "nightly" {
		t.Errorf("EntryName = %q, want %q", cronData.EntryName, "nightly")
	}
}

func TestBrokerRemoveSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-rm", TopicFirehose)

	b.RemoveSubscriber("sub-rm")

	evt := &Event{
		Type:      EventInstanceStarted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic("wfi_1"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	// Channel should be closed.
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		// ok
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	_ = b.Subscribe("s1", TopicInstances)
	_ = b.Subscribe("s2", TopicSteps, TopicFirehose)

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount < 2 {
		t.Errorf("TopicCount = %d, want >= 2", stats.TopicCount)
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("s1", TopicFirehose)

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}

	if _, ok := <-sub.C(); ok {
		t.Fatal("subscriber channel should be closed after shutdown")
	}
	if b.Stats().SubscriberCount != 0 {
		t.Errorf("SubscriberCount = %d after shutdown, want 0", b.Stats().SubscriberCount)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)

	evt := &Event{Type: EventInstanceStarted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	// Should accept 2 events (initial credits).
	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if !sub.send(evt) {
		t.Fatal("second send should succeed")
	}

	// Third should fail — no credits.
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}

	// Replenish credits.
	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}

	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool {
		return e.Type == EventStepFailed
	})

	// Should be rejected by filter.
	if sub.send(&Event{Type: EventStepCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("completed event should be filtered out")
	}

	// Should pass filter.
	if !sub.send(&Event{Type: EventStepFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicInstances, true},
		{TopicSteps, true},
		{TopicFirehose, true},
		{"instance:wfi_123", true},
		{"type:order", true},
		{"invalid", false},
		{"unknown:entity", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()

	sub1 := NewSubscriber("s1", 10, 100)
	sub2 := NewSubscriber("s2", 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	// Unsubscribe s2 from topic-a.
	tr.Unsubscribe("topic-a", "s2")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	// UnsubscribeAll for s1.
	tr.UnsubscribeAll("s1")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("dedup-sub", 10, 100)

	// Subscribe to multiple topics.
	tr.Subscribe("topic-x", sub)
	tr.Subscribe("topic-y", sub)

	evt := &Event{Type: EventInstanceStarted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	delivered := tr.Broadcast([]string{"topic-x", "topic-y"}, evt)
	if delivered != 1 {
		t.Errorf("Broadcast delivered to %d subscribers, want 1 (deduplicated)", delivered)
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		evt      *Event
		expected []string
	}{
		{
			evt:      &Event{Type: EventInstanceStarted, Topic: "instance:wfi_1"},
			expected: []string{TopicFirehose, TopicInstances, "instance:wfi_1"},
		},
		{
			evt:      &Event{Type: EventStepCompleted, Topic: "instance:wfi_1"},
			expected: []string{TopicFirehose, TopicSteps, "instance:wfi_1"},
		},
		{
			evt:      &Event{Type: EventDeliveryStale, Topic: "instance:wfi_1"},
			expected: []string{TopicFirehose, TopicSteps, "instance:wfi_1"},
		},
		{
			evt:      &Event{Type: EventCronFired, Topic: ""},
			expected: []string{TopicFirehose},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.evt.Type), func(t *testing.T) {
			topics := resolveTopics(tt.evt)
			if len(topics) != len(tt.expected) {
				t.Errorf("got %d topics, want %d: %v", len(topics), len(tt.expected), topics)
				return
			}
			for i, topic := range topics {
				if topic != tt.expected[i] {
					t.Errorf("topic[%d] = %q, want %q", i, topic, tt.expected[i])
				}
			}
		})
	}
}
