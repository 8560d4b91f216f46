package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
)

func (a *API) startInstance(w http.ResponseWriter, r *http.Request) {
	var req StartInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		a.badRequest(w, "workflow type required")
		return
	}

	inst, err := a.eng.StartInstanceRaw(r.Context(), req.Type, req.Input)
	if err != nil {
		a.respondError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, StartInstanceResponse{
		InstanceID: inst.ID.String(),
		Type:       inst.Type,
		Status:     string(inst.Status),
	})
}

func (a *API) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	instances, err := a.eng.ListInstances(r.Context(), instance.ListOpts{
		Limit:  defaultLimit(limit),
		Offset: offset,
		Status: instance.Status(q.Get("status")),
		Type:   q.Get("type"),
	})
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, instances)
}

func (a *API) getInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := id.ParseInstanceID(r.PathValue("instanceId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid instance ID: %v", err))
		return
	}

	inst, err := a.eng.Instance(r.Context(), instanceID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, inst)
}

func (a *API) cancelInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := id.ParseInstanceID(r.PathValue("instanceId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid instance ID: %v", err))
		return
	}

	if err := a.eng.CancelInstance(r.Context(), instanceID); err != nil {
		a.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) instanceHistory(w http.ResponseWriter, r *http.Request) {
	instanceID, err := id.ParseInstanceID(r.PathValue("instanceId"))
	if err != nil {
		a.badRequest(w, fmt.Sprintf("invalid instance ID: %v", err))
		return
	}

	st, err := a.eng.Status(r.Context(), instanceID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, st.History)
}
