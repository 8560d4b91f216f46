package api

import (
	"fmt"
	"net/http"

	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	is, ok := a.eng.Scheduler().Store().(instance.Store)
	if !ok {
		a.respondError(w, fmt.Errorf("store does not implement instance.Store"))
		return
	}
	ts, ok := a.eng.Scheduler().Store().(timer.Store)
	if !ok {
		a.respondError(w, fmt.Errorf("store does not implement timer.Store"))
		return
	}

	// Instance counts.
	var instCounts InstanceCounts
	for _, status := range []instance.Status{instance.StatusRunning, instance.StatusCompleted} {
		count, err := is.CountInstances(ctx, status)
		if err != nil {
			a.respondError(w, err)
			return
		}
		switch status {
		case instance.StatusRunning:
			instCounts.Running = count
		case instance.StatusCompleted:
			instCounts.Completed = count
		}
	}
	instCounts.Total = instCounts.Running + instCounts.Completed

	// Invocation counts.
	pending, err := ts.CountInvocations(ctx, timer.CountOpts{State: timer.StatePending})
	if err != nil {
		a.respondError(w, err)
		return
	}
	claimed, err := ts.CountInvocations(ctx, timer.CountOpts{State: timer.StateClaimed})
	if err != nil {
		a.respondError(w, err)
		return
	}

	// DLQ count.
	dlqCount, err := a.eng.DLQService().DLQStore().CountDeadLetters(ctx)
	if err != nil {
		a.respondError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, StatsResponse{
		Workflows:   len(a.eng.Definitions().Types()),
		Instances:   instCounts,
		Invocations: InvocationCounts{Pending: pending, Claimed: claimed},
		DLQCount:    dlqCount,
	})
}
