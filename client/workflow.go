package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/wire"
)

// WorkflowResult describes a freshly started workflow instance.
type WorkflowResult struct {
	InstanceID string `json:"instance_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
}

// ListOptions filters an Instances listing.
type ListOptions struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// StartWorkflow starts a workflow instance on the remote scheduler.
func (c *Client) StartWorkflow(ctx context.Context, workflowType string, input any) (*WorkflowResult, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	resp, reqErr := c.request(ctx, wire.MethodWorkflowStart, wire.WorkflowStartRequest{
		Type:  workflowType,
		Input: raw,
	})
	if reqErr != nil {
		return nil, reqErr
	}

	var result WorkflowResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// Instance retrieves a workflow instance by ID.
func (c *Client) Instance(ctx context.Context, instanceID string) (*instance.Instance, error) {
	resp, err := c.request(ctx, wire.MethodInstanceGet, wire.InstanceGetRequest{
		InstanceID: instanceID,
	})
	if err != nil {
		return nil, err
	}

	var inst instance.Instance
	if err := json.Unmarshal(resp.Data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	return &inst, nil
}

// Instances lists workflow instances matching the given filters.
func (c *Client) Instances(ctx context.Context, opts ListOptions) ([]*instance.Instance, error) {
	resp, err := c.request(ctx, wire.MethodInstanceList, wire.InstanceListRequest{
		Status: opts.Status,
		Type:   opts.Type,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return nil, err
	}

	var instances []*instance.Instance
	if err := json.Unmarshal(resp.Data, &instances); err != nil {
		return nil, fmt.Errorf("unmarshal instances: %w", err)
	}
	return instances, nil
}

// CancelInstance cancels a running workflow instance. Pending steps are
// removed; a step already executing finishes its current attempt.
func (c *Client) CancelInstance(ctx context.Context, instanceID string) error {
	_, err := c.request(ctx, wire.MethodInstanceCancel, wire.InstanceCancelRequest{
		InstanceID: instanceID,
	})
	return err
}

// History returns the recorded lifecycle events for an instance, oldest
// first.
func (c *Client) History(ctx context.Context, instanceID string) ([]*history.Event, error) {
	resp, err := c.request(ctx, wire.MethodInstanceHistory, wire.InstanceHistoryRequest{
		InstanceID: instanceID,
	})
	if err != nil {
		return nil, err
	}

	var events []*history.Event
	if err := json.Unmarshal(resp.Data, &events); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return events, nil
}
