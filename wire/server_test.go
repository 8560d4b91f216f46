package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/engine"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/stream"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestEngine creates a full engine over the in-memory store.
func setupTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	sched, err := cascade.New(
		cascade.WithStore(memory.New()),
		cascade.WithConcurrency(2),
		cascade.WithPollInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("cascade.New: %v", err)
	}
	eng, err := engine.Build(sched)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng
}

// registerOrderPipeline registers a two-step workflow used across the
// session tests.
func registerOrderPipeline(t *testing.T, eng *engine.Engine) {
	t.Helper()
	def, err := definition.NewBuilder("order-pipeline").
		Step("reserve", definition.OnSuccess("confirm", 0)).
		Step("confirm").
		Build()
	if err != nil {
		t.Fatalf("build definition: %v", err)
	}
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	pass := func(_ context.Context, state []byte) ([]byte, error) { return state, nil }
	for _, step := range []string{"reserve", "confirm"} {
		if err := eng.RegisterHandlerFunc(step, pass); err != nil {
			t.Fatalf("RegisterHandlerFunc(%q): %v", step, err)
		}
	}
}

// setupTestServer creates a full wire server with engine, handler, and auth.
func setupTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := setupTestEngine(t)
	broker := stream.NewBroker(testLogger())
	handler := NewHandler(eng, broker, testLogger())

	srv := NewServer(broker, handler,
		WithAuth(NewAPIKeyAuthenticator(
			APIKeyEntry{
				Token:    "test-token",
				Identity: Identity{Subject: "test-user", Scopes: []string{ScopeAll}},
			},
			APIKeyEntry{
				Token:    "limited-token",
				Identity: Identity{Subject: "limited-user", Scopes: []string{ScopeWorkflowRead}},
			},
		)),
		WithLogger(testLogger()),
	)
	return srv, eng
}

// dialTestServer serves srv over httptest and dials its WebSocket endpoint.
func dialTestServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/wire"
	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeTestFrame(t *testing.T, conn net.Conn, frame *Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readTestFrameWith(t *testing.T, conn net.Conn, codec Codec) *Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func readTestFrame(t *testing.T, conn net.Conn) *Frame {
	t.Helper()
	return readTestFrameWith(t, conn, &JSONCodec{})
}

// authenticate performs the auth handshake and returns the auth response.
func authenticate(t *testing.T, conn net.Conn, token, format string) *Frame {
	t.Helper()
	authFrame, err := NewRequestFrame("auth-1", MethodAuth, AuthRequest{Token: token, Format: format})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	writeTestFrame(t, conn, authFrame)
	return readTestFrameWith(t, conn, GetCodec(format))
}

// ── Server Unit Tests ─────────────────────────────────

func TestServer_NewServer(t *testing.T) {
	broker := stream.NewBroker(testLogger())
	handler := &Handler{logger: testLogger()}

	srv := NewServer(broker, handler)

	if srv.broker != broker {
		t.Error("broker not set")
	}
	if srv.handler != handler {
		t.Error("handler not set")
	}
	if srv.conns == nil {
		t.Error("connection manager not created")
	}
	if srv.basePath != "/wire" {
		t.Errorf("basePath = %q, want /wire", srv.basePath)
	}
	// Default auth should be NoopAuthenticator.
	if srv.auth == nil {
		t.Error("auth not set")
	}
	// The handler should see the server's connection manager.
	if handler.conns != srv.conns {
		t.Error("handler connection manager not wired")
	}
}

func TestServer_NewServerWithOptions(t *testing.T) {
	broker := stream.NewBroker(testLogger())
	handler := &Handler{logger: testLogger()}
	auth := NewAPIKeyAuthenticator(APIKeyEntry{Token: "k", Identity: Identity{Subject: "s"}})

	srv := NewServer(broker, handler,
		WithAuth(auth),
		WithLogger(testLogger()),
		WithPath("/custom"),
		WithCodec(&MsgpackCodec{}),
	)

	if srv.basePath != "/custom" {
		t.Errorf("basePath = %q, want /custom", srv.basePath)
	}
	if srv.defaultCodec.Name() != CodecNameMsgpack {
		t.Errorf("codec = %q, want %q", srv.defaultCodec.Name(), CodecNameMsgpack)
	}
	if srv.auth != auth {
		t.Error("auth not set")
	}
}

func TestServer_ScopeAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		scopes  []string
		allowed bool
	}{
		{"wildcard allows everything", MethodWorkflowStart, []string{ScopeAll}, true},
		{"workflow:write allows start", MethodWorkflowStart, []string{ScopeWorkflowWrite}, true},
		{"workflow:read allows get", MethodInstanceGet, []string{ScopeWorkflowRead}, true},
		{"workflow:read denies start", MethodWorkflowStart, []string{ScopeWorkflowRead}, false},
		{"workflow:write allows cancel", MethodInstanceCancel, []string{ScopeWorkflowWrite}, true},
		{"workflow:read allows history", MethodInstanceHistory, []string{ScopeWorkflowRead}, true},
		{"subscribe scope allows subscribe", MethodSubscribe, []string{ScopeSubscribe}, true},
		{"workflow:read denies subscribe", MethodSubscribe, []string{ScopeWorkflowRead}, false},
		{"dlq:write allows replay", MethodDLQReplay, []string{ScopeDLQWrite}, true},
		{"dlq:read denies replay", MethodDLQReplay, []string{ScopeDLQRead}, false},
		{"stats:read allows stats", MethodStats, []string{ScopeStatsRead}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := &Identity{Subject: "test", Scopes: tt.scopes}
			reqScope := RequiredScope(tt.method)

			if reqScope == "" {
				// No scope required — always allowed.
				return
			}

			allowed := identity.HasScope(reqScope)
			if allowed != tt.allowed {
				t.Errorf("HasScope(%q) for %v = %v, want %v",
					reqScope, tt.scopes, allowed, tt.allowed)
			}
		})
	}
}

func TestServer_CodecNegotiation(t *testing.T) {
	tests := []struct {
		format string
		expect string
	}{
		{"", CodecNameJSON},
		{"json", CodecNameJSON},
		{"msgpack", CodecNameMsgpack},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			codec := GetCodec(tt.format)
			if codec.Name() != tt.expect {
				t.Errorf("GetCodec(%q) = %q, want %q", tt.format, codec.Name(), tt.expect)
			}
		})
	}
}

// ── Live WebSocket Session Tests ──────────────────────

func TestServer_WebSocketSession(t *testing.T) {
	srv, eng := setupTestServer(t)
	registerOrderPipeline(t, eng)
	conn := dialTestServer(t, srv)

	// Auth handshake.
	authResp := authenticate(t, conn, "test-token", "")
	if authResp.Type != FrameResponse {
		t.Fatalf("auth response type = %q, error = %v", authResp.Type, authResp.Error)
	}
	var auth AuthResponse
	if err := json.Unmarshal(authResp.Data, &auth); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if auth.SessionID == "" {
		t.Error("expected non-empty session ID")
	}
	if auth.Format != CodecNameJSON {
		t.Errorf("format = %q, want json", auth.Format)
	}

	// Start a workflow over the socket.
	startFrame, _ := NewRequestFrame("req-1", MethodWorkflowStart,
		WorkflowStartRequest{Type: "order-pipeline", Input: json.RawMessage(`{"order_id":"o-1"}`)})
	writeTestFrame(t, conn, startFrame)

	startResp := readTestFrame(t, conn)
	if startResp.Type != FrameResponse {
		t.Fatalf("start response type = %q, error = %v", startResp.Type, startResp.Error)
	}
	if startResp.CorrelID != "req-1" {
		t.Errorf("CorrelID = %q, want req-1", startResp.CorrelID)
	}
	var started WorkflowStartResponse
	if err := json.Unmarshal(startResp.Data, &started); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	if !strings.HasPrefix(started.InstanceID, "wfi_") {
		t.Errorf("InstanceID = %q, want wfi_ prefix", started.InstanceID)
	}

	// Fetch it back.
	getFrame, _ := NewRequestFrame("req-2", MethodInstanceGet,
		InstanceGetRequest{InstanceID: started.InstanceID})
	writeTestFrame(t, conn, getFrame)

	getResp := readTestFrame(t, conn)
	if getResp.Type != FrameResponse {
		t.Fatalf("get response type = %q, error = %v", getResp.Type, getResp.Error)
	}
	var inst instance.Instance
	if err := json.Unmarshal(getResp.Data, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if inst.Type != "order-pipeline" {
		t.Errorf("instance type = %q, want order-pipeline", inst.Type)
	}

	// Unknown methods are rejected without dropping the session.
	badFrame, _ := NewRequestFrame("req-3", "bogus.method", nil)
	writeTestFrame(t, conn, badFrame)

	badResp := readTestFrame(t, conn)
	if badResp.Type != FrameErr {
		t.Fatalf("bad method response type = %q, want error", badResp.Type)
	}
	if badResp.Error == nil || badResp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("Error = %v, want code %d", badResp.Error, ErrCodeMethodNotFound)
	}
}

func TestServer_WebSocketAuthRejected(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := dialTestServer(t, srv)

	resp := authenticate(t, conn, "wrong-token", "")
	if resp.Type != FrameErr {
		t.Fatalf("response type = %q, want error", resp.Type)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeUnauthorized {
		t.Errorf("Error = %v, want code %d", resp.Error, ErrCodeUnauthorized)
	}
}

func TestServer_WebSocketFirstFrameMustBeAuth(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := dialTestServer(t, srv)

	frame, _ := NewRequestFrame("req-1", MethodStats, nil)
	writeTestFrame(t, conn, frame)

	resp := readTestFrame(t, conn)
	if resp.Type != FrameErr {
		t.Fatalf("response type = %q, want error", resp.Type)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("Error = %v, want code %d", resp.Error, ErrCodeBadRequest)
	}
}

func TestServer_WebSocketPingPong(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := dialTestServer(t, srv)
	authenticate(t, conn, "test-token", "")

	ping := &Frame{ID: "ping-1", Type: FramePing, Timestamp: time.Now().UTC()}
	writeTestFrame(t, conn, ping)

	pong := readTestFrame(t, conn)
	if pong.Type != FramePong {
		t.Fatalf("response type = %q, want pong", pong.Type)
	}
	if pong.CorrelID != "ping-1" {
		t.Errorf("CorrelID = %q, want ping-1", pong.CorrelID)
	}
}

func TestServer_WebSocketScopeDenied(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := dialTestServer(t, srv)
	authenticate(t, conn, "limited-token", "")

	// limited-token holds workflow:read only; starting is workflow:write.
	frame, _ := NewRequestFrame("req-1", MethodWorkflowStart,
		WorkflowStartRequest{Type: "order-pipeline"})
	writeTestFrame(t, conn, frame)

	resp := readTestFrame(t, conn)
	if resp.Type != FrameErr {
		t.Fatalf("response type = %q, want error", resp.Type)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeForbidden {
		t.Errorf("Error = %v, want code %d", resp.Error, ErrCodeForbidden)
	}
}

func TestServer_WebSocketSubscribeReceivesEvents(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := dialTestServer(t, srv)
	authenticate(t, conn, "test-token", "")

	subFrame, _ := NewRequestFrame("req-sub", MethodSubscribe,
		SubscribeRequest{Channel: stream.TopicFirehose})
	writeTestFrame(t, conn, subFrame)

	ack := readTestFrame(t, conn)
	if ack.Type != FrameResponse {
		t.Fatalf("subscribe ack type = %q, error = %v", ack.Type, ack.Error)
	}

	// The subscription is active once the ack is written, so a publish
	// now must reach the socket.
	inst := &instance.Instance{
		Entity: cascade.NewEntity(),
		ID:     id.NewInstanceID(),
		Type:   "order-pipeline",
		Status: instance.StatusRunning,
	}
	srv.Broker().OnInstanceStarted(context.Background(), inst)

	evtFrame := readTestFrame(t, conn)
	if evtFrame.Type != FrameEvent {
		t.Fatalf("frame type = %q, want event", evtFrame.Type)
	}
	if evtFrame.Channel == "" {
		t.Error("expected non-empty event channel")
	}

	var evt stream.Event
	if err := json.Unmarshal(evtFrame.Data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != stream.EventInstanceStarted {
		t.Errorf("event type = %q, want %q", evt.Type, stream.EventInstanceStarted)
	}

	var payload stream.InstanceEventData
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("unmarshal event payload: %v", err)
	}
	if payload.InstanceID != inst.ID.String() {
		t.Errorf("payload instance = %q, want %q", payload.InstanceID, inst.ID)
	}
}

func TestServer_WebSocketMsgpack(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn := dialTestServer(t, srv)

	authResp := authenticate(t, conn, "test-token", "msgpack")
	if authResp.Type != FrameResponse {
		t.Fatalf("auth response type = %q, error = %v", authResp.Type, authResp.Error)
	}
	var auth AuthResponse
	if err := json.Unmarshal(authResp.Data, &auth); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if auth.Format != CodecNameMsgpack {
		t.Errorf("format = %q, want msgpack", auth.Format)
	}

	// Requests after negotiation travel in msgpack.
	codec := &MsgpackCodec{}
	statsFrame, _ := NewRequestFrame("req-stats", MethodStats, nil)
	data, err := codec.Encode(statsFrame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpBinary, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	resp := readTestFrameWith(t, conn, codec)
	if resp.Type != FrameResponse {
		t.Fatalf("stats response type = %q, error = %v", resp.Type, resp.Error)
	}
	if resp.CorrelID != "req-stats" {
		t.Errorf("CorrelID = %q, want req-stats", resp.CorrelID)
	}
}

// ── HTTP RPC Tests ────────────────────────────────────

func TestServer_RPCStats(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	frame := &Frame{
		ID:     "rpc-1",
		Type:   FrameRequest,
		Method: MethodStats,
		Token:  "test-token",
	}
	body, _ := json.Marshal(frame)

	resp, err := http.Post(ts.URL+"/wire/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var respFrame Frame
	if err := json.NewDecoder(resp.Body).Decode(&respFrame); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if respFrame.Type != FrameResponse {
		t.Fatalf("frame type = %q, error = %v", respFrame.Type, respFrame.Error)
	}
	if respFrame.CorrelID != "rpc-1" {
		t.Errorf("CorrelID = %q, want rpc-1", respFrame.CorrelID)
	}

	var stats map[string]any
	if err := json.Unmarshal(respFrame.Data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if _, ok := stats["broker"]; !ok {
		t.Error("expected broker stats")
	}
}

func TestServer_RPCUnauthorized(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	frame := &Frame{
		ID:     "rpc-1",
		Type:   FrameRequest,
		Method: MethodStats,
		Token:  "wrong-token",
	}
	body, _ := json.Marshal(frame)

	resp, err := http.Post(ts.URL+"/wire/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_RPCForbidden(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	// limited-token lacks stats:read.
	frame := &Frame{
		ID:     "rpc-1",
		Type:   FrameRequest,
		Method: MethodStats,
		Token:  "limited-token",
	}
	body, _ := json.Marshal(frame)

	resp, err := http.Post(ts.URL+"/wire/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestServer_RPCAuthorizationHeader(t *testing.T) {
	srv, eng := setupTestServer(t)
	registerOrderPipeline(t, eng)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	frame := &Frame{
		ID:     "rpc-1",
		Type:   FrameRequest,
		Method: MethodWorkflowStart,
		Data:   mustJSON(WorkflowStartRequest{Type: "order-pipeline"}),
	}
	body, _ := json.Marshal(frame)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/wire/rpc", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var respFrame Frame
	if err := json.NewDecoder(resp.Body).Decode(&respFrame); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	var started WorkflowStartResponse
	if err := json.Unmarshal(respFrame.Data, &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(started.InstanceID, "wfi_") {
		t.Errorf("InstanceID = %q, want wfi_ prefix", started.InstanceID)
	}
}

// ── SSE Tests ─────────────────────────────────────────

func TestServer_SSEStream(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/wire/sse?token=test-token&channel=" + stream.TopicFirehose)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Publish until the reader observes the event; the subscription races
	// with the GET returning.
	stopPublish := make(chan struct{})
	defer close(stopPublish)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopPublish:
				return
			case <-ticker.C:
				srv.Broker().OnCronFired(context.Background(), "nightly", id.NewInstanceID())
			}
		}
	}()

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, lineOK := <-lines:
			if !lineOK {
				t.Fatal("SSE stream closed before event arrived")
			}
			if line == "event: "+string(stream.EventCronFired) {
				return // Got the event.
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}
}

func TestServer_SSERequiresChannel(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/wire/sse?token=test-token")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_SSEUnauthorized(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/wire/sse?token=bad&channel=" + stream.TopicFirehose)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
