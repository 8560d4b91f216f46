package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/wire"
)

// DeadLetterListOptions filters a DeadLetters listing.
type DeadLetterListOptions struct {
	Limit        int
	Offset       int
	WorkflowType string
}

// CronEntries lists the registered cron entries.
func (c *Client) CronEntries(ctx context.Context) ([]*cron.Entry, error) {
	resp, err := c.request(ctx, wire.MethodCronList, nil)
	if err != nil {
		return nil, err
	}

	var entries []*cron.Entry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal cron entries: %w", err)
	}
	return entries, nil
}

// DeadLetters lists dead-lettered step invocations.
func (c *Client) DeadLetters(ctx context.Context, opts DeadLetterListOptions) ([]*dlq.Entry, error) {
	resp, err := c.request(ctx, wire.MethodDLQList, wire.DLQListRequest{
		Limit:        opts.Limit,
		Offset:       opts.Offset,
		WorkflowType: opts.WorkflowType,
	})
	if err != nil {
		return nil, err
	}

	var entries []*dlq.Entry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal dead letters: %w", err)
	}
	return entries, nil
}

// ReplayDeadLetter re-schedules a dead-lettered invocation for immediate
// execution and returns the new pending invocation.
func (c *Client) ReplayDeadLetter(ctx context.Context, entryID string) (*wire.DLQReplayResponse, error) {
	resp, err := c.request(ctx, wire.MethodDLQReplay, wire.DLQReplayRequest{
		EntryID: entryID,
	})
	if err != nil {
		return nil, err
	}

	var result wire.DLQReplayResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal replay response: %w", err)
	}
	return &result, nil
}
