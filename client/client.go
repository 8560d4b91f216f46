// Package client provides a Go client for driving a remote Cascade
// scheduler over the Cascade Wire Protocol (CWP) WebSocket transport.
//
// Usage:
//
//	c, err := client.Dial("wss://api.example.com/wire",
//	    client.WithToken("ck_..."),
//	)
//	defer c.Close()
//
//	// Start a workflow and watch its lifecycle events.
//	res, err := c.StartWorkflow(ctx, "order-pipeline", input)
//	ch, err := c.Watch(ctx, res.InstanceID)
//	for evt := range ch {
//	    fmt.Printf("%s: %s\n", evt.Topic, evt.Type)
//	}
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cascadehq/cascade/stream"
	"github.com/cascadehq/cascade/wire"
)

// Client is a CWP client that communicates with a remote Cascade server.
type Client struct {
	url         string
	token       string
	format      string
	logger      *slog.Logger
	dialTimeout time.Duration

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state.
	conn      net.Conn
	mu        sync.Mutex
	closed    atomic.Bool
	sessionID string
	codec     wire.Codec // negotiated during auth

	// Request-response correlation.
	pending sync.Map // frameID → chan *wire.Frame

	// Subscriptions.
	subs sync.Map // channel → chan *stream.Event
}

// Dial connects to a CWP server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a CWP server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		format:      "json",
		logger:      slog.Default(),
		dialTimeout: 10 * time.Second,
		maxRetries:  5,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("cascade/client: dial: %w", err)
	}

	// Start the read loop.
	go c.readLoop()

	return c, nil
}

// connect establishes the WebSocket connection and performs the auth
// handshake. The handshake always travels as JSON text; the format the
// server confirms is used for every frame after.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	authFrame := &wire.Frame{
		ID:        wire.GenerateFrameID(),
		Type:      wire.FrameRequest,
		Method:    wire.MethodAuth,
		Token:     c.token,
		Timestamp: time.Now().UTC(),
	}
	authData, marshalErr := json.Marshal(wire.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if marshalErr != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth request: %w", marshalErr)
	}
	authFrame.Data = authData

	raw, encodeErr := json.Marshal(authFrame)
	if encodeErr != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth frame: %w", encodeErr)
	}
	if writeErr := wsutil.WriteClientMessage(conn, ws.OpText, raw); writeErr != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", writeErr)
	}

	// Read the auth response directly from the WebSocket.
	// We cannot use readLoop here because it hasn't been started yet
	// (DialContext starts it after connect returns).
	type readResult struct {
		resp *wire.Frame
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, op, readErr := wsutil.ReadServerData(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", readErr)}
			return
		}
		frame, decodeErr := decodeByOpcode(data, op)
		if decodeErr != nil {
			resultCh <- readResult{err: fmt.Errorf("decode auth response: %w", decodeErr)}
			return
		}
		resultCh <- readResult{resp: frame}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			_ = conn.Close()
			return result.err
		}
		resp := result.resp
		if resp.Type == wire.FrameErr {
			_ = conn.Close()
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("auth failed: %s", msg)
		}
		// Extract the session ID and the confirmed wire format.
		var authResp wire.AuthResponse
		if len(resp.Data) > 0 {
			if unmarshalErr := json.Unmarshal(resp.Data, &authResp); unmarshalErr != nil {
				c.logger.Warn("failed to unmarshal auth response", slog.String("error", unmarshalErr.Error()))
			}
		}
		c.sessionID = authResp.SessionID
		c.codec = wire.GetCodec(authResp.Format)
		c.logger.Info("CWP client connected",
			slog.String("session_id", c.sessionID),
			slog.String("format", c.codec.Name()),
		)
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-time.After(c.dialTimeout):
		_ = conn.Close()
		return fmt.Errorf("auth timeout after %s", c.dialTimeout)
	}
}

// decodeByOpcode picks the codec from the WebSocket opcode: the server
// sends JSON as text frames and msgpack as binary frames.
func decodeByOpcode(data []byte, op ws.OpCode) (*wire.Frame, error) {
	if op == ws.OpBinary {
		return new(wire.MsgpackCodec).Decode(data)
	}
	return new(wire.JSONCodec).Decode(data)
}

// readLoop reads frames from the WebSocket and dispatches them.
func (c *Client) readLoop() {
	for {
		if c.closed.Load() {
			return
		}

		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("CWP client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		frame, decodeErr := decodeByOpcode(data, op)
		if decodeErr != nil {
			c.logger.Warn("CWP client: invalid frame", slog.String("error", decodeErr.Error()))
			continue
		}

		// Route the frame.
		switch frame.Type {
		case wire.FrameResponse, wire.FrameErr, wire.FramePong:
			// Correlate with pending request.
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *wire.Frame) //nolint:errcheck // pending map always stores chan *wire.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case wire.FrameEvent:
			// Route to the subscription channel. The event payload rides
			// in frame.Data, not the frame envelope.
			if val, ok := c.subs.Load(frame.Channel); ok {
				ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
				var evt stream.Event
				if json.Unmarshal(frame.Data, &evt) == nil {
					select {
					case ch <- &evt:
					default:
						// Drop if subscriber is slow.
					}
				}
			}
		}
	}
}

// tryReconnect attempts to reconnect with exponential backoff, then
// replays the active subscriptions on the new session.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("CWP client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("CWP client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		go c.readLoop()
		c.resubscribe()
		c.logger.Info("CWP client reconnected")
		return
	}
	c.logger.Error("CWP client: max reconnection attempts reached")
}

// resubscribe replays active subscriptions after a reconnect. The server
// drops subscription state with the old session.
func (c *Client) resubscribe() {
	c.subs.Range(func(key, _ any) bool {
		channel := key.(string) //nolint:errcheck // subs map keys are channel names
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{Channel: channel}); err != nil {
			c.logger.Warn("CWP client resubscribe failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*wire.Frame, error) {
	frame := &wire.Frame{
		ID:        wire.GenerateFrameID(),
		Type:      wire.FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request data: %w", err)
		}
		frame.Data = raw
	}

	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == wire.FrameErr {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, fmt.Errorf("CWP error: %s", msg)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends a ping frame and waits for the server's pong. Useful as an
// application-level liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	frame := &wire.Frame{
		ID:        wire.GenerateFrameID(),
		Type:      wire.FramePing,
		Timestamp: time.Now().UTC(),
	}

	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return err
	}

	select {
	case <-respCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeFrame encodes and sends a frame over the WebSocket in the
// negotiated wire format.
func (c *Client) writeFrame(frame *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	codec := c.codec
	if codec == nil {
		codec = wire.GetCodec("")
	}
	data, err := codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	op := ws.OpText
	if codec.Name() == wire.CodecNameMsgpack {
		op = ws.OpBinary
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string { return c.sessionID }

// Close closes the client connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	// Close all subscription channels.
	c.subs.Range(func(key, val any) bool {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
		c.subs.Delete(key)
		return true
	})

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
