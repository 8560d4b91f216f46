package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the JSON body for error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartInstanceRequest is the body for POST /v1/instances.
type StartInstanceRequest struct {
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StartInstanceResponse describes a freshly started instance.
type StartInstanceResponse struct {
	InstanceID string `json:"instance_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
}

// ListWorkflowsResponse carries the registered workflow type names.
type ListWorkflowsResponse struct {
	Types []string `json:"types"`
}

// ReplayDLQResponse describes the invocation created by a replay.
type ReplayDLQResponse struct {
	InvocationID string    `json:"invocation_id"`
	InstanceID   string    `json:"instance_id"`
	StepID       string    `json:"step_id"`
	DueAt        time.Time `json:"due_at"`
}

// PurgeDLQResponse reports how many entries a purge removed.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

// DLQCountResponse reports the dead letter queue size.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

// InstanceCounts groups instance totals by status.
type InstanceCounts struct {
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// InvocationCounts groups pending-invocation totals by delivery state.
type InvocationCounts struct {
	Pending int64 `json:"pending"`
	Claimed int64 `json:"claimed"`
}

// StatsResponse aggregates scheduler statistics.
type StatsResponse struct {
	Workflows   int              `json:"workflows"`
	Instances   InstanceCounts   `json:"instances"`
	Invocations InvocationCounts `json:"invocations"`
	DLQCount    int64            `json:"dlq_count"`
}
