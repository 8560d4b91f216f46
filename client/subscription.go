package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cascadehq/cascade/stream"
	"github.com/cascadehq/cascade/wire"
)

// Subscribe subscribes to a stream topic and returns a channel of events.
// The channel is closed when the client disconnects or Unsubscribe is called.
//
// Topics follow the cascade stream convention:
//   - "instance:<id>" — Events for a specific workflow instance
//   - "type:<name>"   — Events for all instances of a workflow type
//   - "instances"     — All instance lifecycle events
//   - "steps"         — All step lifecycle events
//   - "firehose"      — Everything
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *stream.Event, error) {
	// Register the channel before the request so no event delivered right
	// after the ack is missed.
	ch := make(chan *stream.Event, 64)
	c.subs.Store(channel, ch)

	if _, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{
		Channel: channel,
	}); err != nil {
		c.subs.Delete(channel)
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	return ch, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.request(ctx, wire.MethodUnsubscribe, wire.UnsubscribeRequest{
		Channel: channel,
	})

	// Close and remove the local channel regardless.
	if val, ok := c.subs.LoadAndDelete(channel); ok {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
	}

	return err
}

// Watch subscribes to events for a specific workflow instance and returns
// an event channel. This is a convenience method that subscribes to
// "instance:<id>".
func (c *Client) Watch(ctx context.Context, instanceID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.InstanceTopic(instanceID))
}

// AddCredits grants the server n more event deliveries for this session.
// Each delivered event consumes one credit; a session starts with the
// server's default allowance. Credits are shared across the session's
// subscriptions.
func (c *Client) AddCredits(n int) error {
	if n <= 0 {
		return fmt.Errorf("credits must be positive, got %d", n)
	}
	return c.writeFrame(&wire.Frame{
		ID:        wire.GenerateFrameID(),
		Type:      wire.FrameRequest,
		Credits:   n,
		Timestamp: time.Now().UTC(),
	})
}

// Stats retrieves broker and connection statistics from the server.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, wire.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
