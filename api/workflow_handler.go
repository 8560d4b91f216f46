package api

import "net/http"

func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, ListWorkflowsResponse{
		Types: a.eng.Definitions().Types(),
	})
}

func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := a.eng.Definitions().Lookup(r.PathValue("type"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, def)
}
