package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cascadehq/cascade/id"
)

func (a *API) listCrons(w http.ResponseWriter, r *http.Request) {
	entries, err := a.eng.CronStore().ListCrons(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}

	// The store returns the full listing; paginate here.
	q := r.URL.Query()
	rawLimit, _ := strconv.Atoi(q.Get("limit"))
	limit := defaultLimit(rawLimit)
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset > len(entries) {
		offset = len(entries)
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	a.respondJSON(w, http.StatusOK, entries[offset:end])
}

func (a *API) getCron(w http.ResponseWriter, r *http.Request) {
	cronID, err := id.ParseCronID(r.PathValue("cronId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid cron ID: %v", err))
		return
	}

	entry, err := a.eng.CronStore().GetCron(r.Context(), cronID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, entry)
}

func (a *API) enableCron(w http.ResponseWriter, r *http.Request) {
	a.setCronEnabled(w, r, true)
}

func (a *API) disableCron(w http.ResponseWriter, r *http.Request) {
	a.setCronEnabled(w, r, false)
}

func (a *API) setCronEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	cronID, err := id.ParseCronID(r.PathValue("cronId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid cron ID: %v", err))
		return
	}

	entry, err := a.eng.CronStore().GetCron(r.Context(), cronID)
	if err != nil {
		a.respondError(w, err)
		return
	}

	entry.Enabled = enabled
	entry.UpdatedAt = time.Now().UTC()
	if updateErr := a.eng.CronStore().UpdateCronEntry(r.Context(), entry); updateErr != nil {
		a.respondError(w, fmt.Errorf("update cron: %w", updateErr))
		return
	}
	a.respondJSON(w, http.StatusOK, entry)
}

func (a *API) deleteCron(w http.ResponseWriter, r *http.Request) {
	cronID, err := id.ParseCronID(r.PathValue("cronId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid cron ID: %v", err))
		return
	}

	if delErr := a.eng.CronStore().DeleteCron(r.Context(), cronID); delErr != nil {
		a.respondError(w, delErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
