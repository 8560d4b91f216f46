package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/sync/errgroup"

	"github.com/cascadehq/cascade/stream"
)

// Server handles WebSocket, SSE, and HTTP RPC connections speaking the
// Cascade Wire Protocol. It plugs into the engine via the stream broker
// and the frame handler.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string
	mux          *http.ServeMux

	mu      sync.Mutex
	sockets map[string]net.Conn
}

// NewServer creates a new wire server. The returned server implements
// http.Handler and can be mounted on any mux or served standalone via
// ListenAndServe.
func NewServer(broker *stream.Broker, handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/wire",
		sockets:      make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	if s.handler != nil {
		s.handler.SetConnections(s.conns)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.basePath, s.handleWebSocket)
	mux.HandleFunc("GET "+s.basePath+"/sse", s.handleSSE)
	mux.HandleFunc("POST "+s.basePath+"/rpc", s.handleRPC)
	s.mux = mux
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP dispatches to the WebSocket, SSE, or RPC endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs the wire server on addr until ctx is cancelled,
// then drains HTTP and closes active WebSocket sessions.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			s.logger.Warn("wire: http shutdown", slog.String("error", err.Error()))
		}
		s.Close()
		return nil
	})
	return g.Wait()
}

// Close terminates all active WebSocket sessions. Hijacked connections
// outlive http.Server.Shutdown, so they are closed explicitly.
func (s *Server) Close() {
	s.mu.Lock()
	socks := make([]net.Conn, 0, len(s.sockets))
	for _, c := range s.sockets {
		socks = append(socks, c)
	}
	s.sockets = make(map[string]net.Conn)
	s.mu.Unlock()

	for _, c := range socks {
		_ = c.Close()
	}
}

func (s *Server) trackSocket(connID string, conn net.Conn) {
	s.mu.Lock()
	s.sockets[connID] = conn
	s.mu.Unlock()
}

func (s *Server) untrackSocket(connID string) {
	s.mu.Lock()
	delete(s.sockets, connID)
	s.mu.Unlock()
}

// ── WebSocket ───────────────────────────────────────

// session wraps a WebSocket connection with its negotiated codec. The
// write mutex serializes the request loop and the event forwarder, which
// share the socket.
type session struct {
	conn  net.Conn
	codec Codec

	wmu sync.Mutex
}

func (sess *session) writeFrame(frame *Frame) error {
	data, err := sess.codec.Encode(frame)
	if err != nil {
		return err
	}
	op := ws.OpText
	if sess.codec.Name() == CodecNameMsgpack {
		op = ws.OpBinary
	}
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return wsutil.WriteServerMessage(sess.conn, op, data)
}

// handleWebSocket upgrades the HTTP request and hands the socket to the
// session loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("wire: websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	// The socket is hijacked; serve it detached from the request lifecycle.
	go s.serveConn(conn)
}

// writeJSONFrame writes a frame as JSON text. Used during the auth
// handshake, before any codec has been negotiated.
func writeJSONFrame(conn net.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteServerMessage(conn, ws.OpText, data)
}

// serveConn runs the full session: auth handshake, codec negotiation,
// event forwarding, and the frame processing loop.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	ctx := context.Background()

	connID := "ws-" + GenerateFrameID()
	s.logger.Info("wire: websocket connected", slog.String("conn_id", connID))

	// Wait for the auth frame. Auth frames are always JSON, before codec
	// negotiation.
	authData, _, readErr := wsutil.ReadClientData(conn)
	if readErr != nil {
		return
	}

	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		_ = writeJSONFrame(conn, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return
	}

	if authFrame.Method != MethodAuth {
		_ = writeJSONFrame(conn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			_ = writeJSONFrame(conn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(ctx, token)
	if authErr != nil {
		_ = writeJSONFrame(conn, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}
	sess := &session{conn: conn, codec: codec}

	wireConn := NewConnection(connID, identity, codec)
	s.conns.Add(wireConn)
	s.trackSocket(connID, conn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.untrackSocket(connID)
		s.logger.Info("wire: websocket disconnected", slog.String("conn_id", connID))
	}()

	// The auth response is the first frame in the negotiated codec.
	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if respErr != nil {
		return
	}
	if err := sess.writeFrame(resp); err != nil {
		return
	}

	s.logger.Info("wire: authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	// Forward broker events to the socket. The subscriber channel closes
	// when the deferred RemoveSubscriber runs, which ends the goroutine.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(sess, sub)

	// Frame processing loop.
	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return // Connection closed.
		}

		wireConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			errFrame := NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())
			if writeErr := sess.writeFrame(errFrame); writeErr != nil {
				return
			}
			continue
		}

		if frame.Type == FramePing {
			pong := &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := sess.writeFrame(pong); writeErr != nil {
				return
			}
			continue
		}

		// Check authorization for the method.
		if frame.Method != "" {
			reqScope := RequiredScope(frame.Method)
			if reqScope != "" && !identity.HasScope(reqScope) {
				errFrame := NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions")
				if writeErr := sess.writeFrame(errFrame); writeErr != nil {
					return
				}
				continue
			}
		}

		// Handle credits replenishment.
		if frame.Credits > 0 {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		respFrame := s.handler.Handle(ctx, frame, wireConn)
		if respFrame == nil {
			continue
		}

		// Subscribe/unsubscribe take effect only after a successful
		// response, so the client never misses the ack.
		if frame.Method == MethodSubscribe && respFrame.Type == FrameResponse {
			var subReq SubscribeRequest
			if json.Unmarshal(frame.Data, &subReq) == nil {
				s.broker.SubscribeTo(connID, subReq.Channel)
				wireConn.AddSubscription(subReq.Channel)
				if subReq.Credits > 0 {
					sub.AddCredits(int64(subReq.Credits))
				}
			}
		} else if frame.Method == MethodUnsubscribe && respFrame.Type == FrameResponse {
			var unsubReq UnsubscribeRequest
			if json.Unmarshal(frame.Data, &unsubReq) == nil {
				s.broker.Unsubscribe(connID, unsubReq.Channel)
				wireConn.RemoveSubscription(unsubReq.Channel)
			}
		}

		if writeErr := sess.writeFrame(respFrame); writeErr != nil {
			s.logger.Warn("wire: write response frame", slog.String("error", writeErr.Error()))
			return
		}
	}
}

// forwardEvents reads from the subscriber channel and writes events to
// the WebSocket session.
func (s *Server) forwardEvents(sess *session, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := sess.writeFrame(evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}

// ── SSE ─────────────────────────────────────────────

// handleSSE serves read-only Server-Sent Events for clients that cannot
// establish WebSocket connections. Token and channel come from query
// parameters.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter required", http.StatusBadRequest)
		return
	}
	if err := stream.ValidateTopic(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !identity.HasScope(ScopeSubscribe) && !identity.HasScope(ScopeAll) {
		http.Error(w, "insufficient permissions", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connID := fmt.Sprintf("sse-%s", GenerateFrameID())
	sub := s.broker.Subscribe(connID, channel)
	defer s.broker.RemoveSubscriber(connID)

	for {
		select {
		case evt, chOpen := <-sub.C():
			if !chOpen {
				return
			}
			data, marshalErr := json.Marshal(evt)
			if marshalErr != nil {
				continue
			}
			if _, writeErr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); writeErr != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// ── HTTP RPC ────────────────────────────────────────

// handleRPC handles one-shot HTTP RPC requests for simple operations.
// The request body is a single request frame; the response body is the
// response frame.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var frame Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	token := frame.Token
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeJSONResponse(w, http.StatusUnauthorized, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
		return
	}

	reqScope := RequiredScope(frame.Method)
	if reqScope != "" && !identity.HasScope(reqScope) {
		writeJSONResponse(w, http.StatusForbidden, NewErrorFrame(frame.ID, ErrCodeForbidden, "forbidden"))
		return
	}

	conn := NewConnection("rpc-"+GenerateFrameID(), identity, &JSONCodec{})
	resp := s.handler.Handle(r.Context(), &frame, conn)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
	}
	writeJSONResponse(w, status, resp)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
