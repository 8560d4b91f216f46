// Package api provides HTTP handlers for the Cascade management API.
//
// The surface mirrors the wire protocol's methods as plain REST: workflow
// definitions, instance lifecycle, cron administration, dead letter
// inspection and replay, and aggregate statistics, all under /v1. The
// wire endpoints (WebSocket, SSE, RPC) can be mounted alongside via
// WithWireHandler.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/engine"
)

// API wires the HTTP management surface for a Cascade engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	wire   http.Handler
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithWireHandler mounts the wire protocol endpoints (WebSocket, SSE,
// one-shot RPC) alongside the REST routes. The handler serves its own
// base path, normally /wire.
func WithWireHandler(h http.Handler) Option {
	return func(a *API) { a.wire = h }
}

// New creates an API from a cascade Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all cascade API routes on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Workflow definitions.
	mux.HandleFunc("GET /v1/workflows", a.listWorkflows)
	mux.HandleFunc("GET /v1/workflows/{type}", a.getWorkflow)

	// Instances.
	mux.HandleFunc("POST /v1/instances", a.startInstance)
	mux.HandleFunc("GET /v1/instances", a.listInstances)
	mux.HandleFunc("GET /v1/instances/{instanceId}", a.getInstance)
	mux.HandleFunc("POST /v1/instances/{instanceId}/cancel", a.cancelInstance)
	mux.HandleFunc("GET /v1/instances/{instanceId}/history", a.instanceHistory)

	// Cron entries.
	mux.HandleFunc("GET /v1/crons", a.listCrons)
	mux.HandleFunc("GET /v1/crons/{cronId}", a.getCron)
	mux.HandleFunc("POST /v1/crons/{cronId}/enable", a.enableCron)
	mux.HandleFunc("POST /v1/crons/{cronId}/disable", a.disableCron)
	mux.HandleFunc("DELETE /v1/crons/{cronId}", a.deleteCron)

	// Dead letter queue. The literal /count route wins over the
	// {entryId} wildcard by mux precedence.
	mux.HandleFunc("GET /v1/dlq", a.listDLQ)
	mux.HandleFunc("GET /v1/dlq/count", a.dlqCount)
	mux.HandleFunc("GET /v1/dlq/{entryId}", a.getDLQ)
	mux.HandleFunc("POST /v1/dlq/{entryId}/replay", a.replayDLQ)
	mux.HandleFunc("POST /v1/dlq/purge", a.purgeDLQ)

	// Aggregate statistics.
	mux.HandleFunc("GET /v1/stats", a.stats)

	// Wire protocol endpoints, when provided.
	if a.wire != nil {
		mux.Handle("/wire", a.wire)
		mux.Handle("/wire/", a.wire)
	}
}

// defaultPageSize caps list responses when no limit is requested.
const defaultPageSize = 50

func defaultLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return limit
}

// respondJSON writes v as a JSON response body.
func (a *API) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("api: encode response", slog.String("error", err.Error()))
	}
}

func (a *API) badRequest(w http.ResponseWriter, msg string) {
	a.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

// respondError maps cascade sentinel errors to HTTP status codes.
func (a *API) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case isNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, cascade.ErrInstanceCompleted):
		status = http.StatusConflict
	}
	a.respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

func isNotFound(err error) bool {
	return errors.Is(err, cascade.ErrDefinitionNotFound) ||
		errors.Is(err, cascade.ErrInstanceNotFound) ||
		errors.Is(err, cascade.ErrInvocationNotFound) ||
		errors.Is(err, cascade.ErrCronNotFound) ||
		errors.Is(err, cascade.ErrDeadLetterNotFound)
}
