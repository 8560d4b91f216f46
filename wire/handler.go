package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/engine"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/stream"
)

// Handler dispatches CWP frames to engine operations.
type Handler struct {
	eng    *engine.Engine
	broker *stream.Broker
	conns  *ConnectionManager
	logger *slog.Logger
}

// NewHandler creates a new CWP method handler.
func NewHandler(eng *engine.Engine, broker *stream.Broker, logger *slog.Logger) *Handler {
	return &Handler{eng: eng, broker: broker, logger: logger}
}

// SetConnections attaches the server's connection manager so that stats
// can report live connection counts.
func (h *Handler) SetConnections(cm *ConnectionManager) {
	h.conns = cm
}

// Handle processes a single CWP request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	switch frame.Method {
	case MethodWorkflowStart:
		return h.handleWorkflowStart(ctx, frame)
	case MethodInstanceGet:
		return h.handleInstanceGet(ctx, frame)
	case MethodInstanceCancel:
		return h.handleInstanceCancel(ctx, frame)
	case MethodInstanceList:
		return h.handleInstanceList(ctx, frame)
	case MethodInstanceHistory:
		return h.handleInstanceHistory(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodCronList:
		return h.handleCronList(ctx, frame)
	case MethodDLQList:
		return h.handleDLQList(ctx, frame)
	case MethodDLQReplay:
		return h.handleDLQReplay(ctx, frame)
	case MethodStats:
		return h.handleStats(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorFrameFor maps engine errors to wire error codes.
func errorFrameFor(frameID string, err error, prefix string) *Frame {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, cascade.ErrDefinitionNotFound),
		errors.Is(err, cascade.ErrInstanceNotFound),
		errors.Is(err, cascade.ErrDeadLetterNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, cascade.ErrInstanceCompleted):
		code = ErrCodeConflict
	}
	return NewErrorFrame(frameID, code, prefix+": "+err.Error())
}

func (h *Handler) handleWorkflowStart(ctx context.Context, frame *Frame) *Frame {
	var req WorkflowStartRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if req.Type == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "workflow type required")
	}

	inst, err := h.eng.StartInstanceRaw(ctx, req.Type, req.Input)
	if err != nil {
		return errorFrameFor(frame.ID, err, "workflow start failed")
	}

	return mustResponseFrame(frame.ID, WorkflowStartResponse{
		InstanceID: inst.ID.String(),
		Type:       inst.Type,
		Status:     string(inst.Status),
	})
}

func (h *Handler) handleInstanceGet(ctx context.Context, frame *Frame) *Frame {
	var req InstanceGetRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	instanceID, err := id.ParseInstanceID(req.InstanceID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid instance ID: "+err.Error())
	}

	inst, err := h.eng.Instance(ctx, instanceID)
	if err != nil {
		return errorFrameFor(frame.ID, err, "instance get failed")
	}

	return mustResponseFrame(frame.ID, inst)
}

func (h *Handler) handleInstanceCancel(ctx context.Context, frame *Frame) *Frame {
	var req InstanceCancelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	instanceID, err := id.ParseInstanceID(req.InstanceID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid instance ID: "+err.Error())
	}

	if err := h.eng.CancelInstance(ctx, instanceID); err != nil {
		return errorFrameFor(frame.ID, err, "cancel failed")
	}

	return mustResponseFrame(frame.ID, map[string]string{
		"instance_id": instanceID.String(),
		"status":      "cancelled",
	})
}

func (h *Handler) handleInstanceList(ctx context.Context, frame *Frame) *Frame {
	var req InstanceListRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}

	instances, err := h.eng.ListInstances(ctx, instance.ListOpts{
		Limit:  req.Limit,
		Offset: req.Offset,
		Status: instance.Status(req.Status),
		Type:   req.Type,
	})
	if err != nil {
		return errorFrameFor(frame.ID, err, "list failed")
	}

	return mustResponseFrame(frame.ID, instances)
}

func (h *Handler) handleInstanceHistory(ctx context.Context, frame *Frame) *Frame {
	var req InstanceHistoryRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	instanceID, err := id.ParseInstanceID(req.InstanceID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid instance ID: "+err.Error())
	}

	st, err := h.eng.Status(ctx, instanceID)
	if err != nil {
		return errorFrameFor(frame.ID, err, "history failed")
	}

	return mustResponseFrame(frame.ID, st.History)
}

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	// Actual subscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	// Actual unsubscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "unsubscribed",
	})
}

func (h *Handler) handleCronList(ctx context.Context, frame *Frame) *Frame {
	entries, err := h.eng.CronStore().ListCrons(ctx)
	if err != nil {
		return errorFrameFor(frame.ID, err, "cron list failed")
	}
	return mustResponseFrame(frame.ID, entries)
}

func (h *Handler) handleDLQList(ctx context.Context, frame *Frame) *Frame {
	var req DLQListRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}

	entries, err := h.eng.DLQService().DLQStore().ListDeadLetters(ctx, dlq.ListOpts{
		Limit:        req.Limit,
		Offset:       req.Offset,
		WorkflowType: req.WorkflowType,
	})
	if err != nil {
		return errorFrameFor(frame.ID, err, "dlq list failed")
	}

	return mustResponseFrame(frame.ID, entries)
}

func (h *Handler) handleDLQReplay(ctx context.Context, frame *Frame) *Frame {
	var req DLQReplayRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	entryID, err := id.ParseDeadLetterID(req.EntryID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid entry ID: "+err.Error())
	}

	inv, err := h.eng.DLQService().Replay(ctx, entryID)
	if err != nil {
		return errorFrameFor(frame.ID, err, "replay failed")
	}

	return mustResponseFrame(frame.ID, DLQReplayResponse{
		InvocationID: inv.ID.String(),
		InstanceID:   inv.InstanceID.String(),
		StepID:       inv.StepID,
		DueAt:        inv.DueAt,
	})
}

func (h *Handler) handleStats(frame *Frame) *Frame {
	connCount := 0
	if h.conns != nil {
		connCount = h.conns.Count()
	}

	stats := map[string]any{
		"broker":      h.broker.Stats(),
		"connections": connCount,
	}

	return mustResponseFrame(frame.ID, stats)
}
