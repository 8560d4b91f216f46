package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, err := a.eng.DLQService().DLQStore().ListDeadLetters(r.Context(), dlq.ListOpts{
		Limit:        defaultLimit(limit),
		Offset:       offset,
		WorkflowType: q.Get("type"),
	})
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, entries)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDeadLetterID(r.PathValue("entryId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid dead letter ID: %v", err))
		return
	}

	entry, err := a.eng.DLQService().DLQStore().GetDeadLetter(r.Context(), entryID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, entry)
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDeadLetterID(r.PathValue("entryId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid dead letter ID: %v", err))
		return
	}

	inv, err := a.eng.DLQService().Replay(r.Context(), entryID)
	if err != nil {
		a.respondError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, ReplayDLQResponse{
		InvocationID: inv.ID.String(),
		InstanceID:   inv.InstanceID.String(),
		StepID:       inv.StepID,
		DueAt:        inv.DueAt,
	})
}

func (a *API) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	// Purge entries older than the horizon, 30 days unless overridden.
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			a.badRequest(w, "days must be a positive integer")
			return
		}
		days = parsed
	}
	before := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	count, err := a.eng.DLQService().DLQStore().PurgeDeadLetters(r.Context(), before)
	if err != nil {
		a.respondError(w, fmt.Errorf("purge dead letters: %w", err))
		return
	}
	a.respondJSON(w, http.StatusOK, PurgeDLQResponse{Purged: count})
}

func (a *API) dlqCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.eng.DLQService().DLQStore().CountDeadLetters(r.Context())
	if err != nil {
		a.respondError(w, fmt.Errorf("count dead letters: %w", err))
		return
	}
	a.respondJSON(w, http.StatusOK, DLQCountResponse{Count: count})
}
