package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/vigil/internal/audit"
	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/validation"
)

// ScreencastParams is the unified params struct for the screencast tool
type ScreencastParams struct {
	Action      string `json:"action" jsonschema:"one of status, view, ack, stop_view"`
	ExecutionID string `json:"execution_id" jsonschema:"execution whose frames to watch"`
	FrameID     uint64 `json:"frame_id,omitempty" jsonschema:"frame to acknowledge, for ack"`
}

var screencastActions = newActionSet("screencast", "status", "view", "ack", "stop_view")

// handleScreencast is the unified handler for the screencast tool
func (s *Server) handleScreencast(ctx context.Context, request *mcp.CallToolRequest, params *ScreencastParams) (*mcp.CallToolResult, any, error) {
	if err := screencastActions.check(params.Action); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateExecutionID(params.ExecutionID); err != nil {
		return nil, nil, invalidParam("%v", err)
	}

	streams := s.svc.Screencasts()
	switch params.Action {
	case "status":
		return nil, streams.Status(params.ExecutionID), nil

	case "view":
		ss := sessionOf(request)
		if ss == nil {
			return nil, nil, invalidParam("view requires an MCP session")
		}
		key := attachKey{kind: attachScreencast, sessionID: ss.ID(), executionID: params.ExecutionID}
		if s.attachments.has(key) {
			return nil, streams.Status(params.ExecutionID), nil
		}

		sink := broadcast.NewChannelSink(s.buffer)
		err := streams.StartViewing(params.ExecutionID, sink)
		s.audit(ctx, audit.OpViewStart, params.ExecutionID, err, nil)
		if err != nil {
			sink.Close()
			return nil, nil, SanitizeError(err, "screencast view")
		}
		a := &attachment{
			key:    key,
			sink:   sink,
			detach: func() { streams.StopViewing(params.ExecutionID, sink) },
		}
		if !s.attachments.add(a, ss) {
			a.close()
		}
		return nil, streams.Status(params.ExecutionID), nil

	case "ack":
		if params.FrameID == 0 {
			return nil, nil, invalidParam("frame_id is required for ack")
		}
		return nil, map[string]any{
			"execution_id": params.ExecutionID,
			"frame_id":     params.FrameID,
			"acked":        streams.Ack(params.ExecutionID, params.FrameID),
		}, nil

	case "stop_view":
		ss := sessionOf(request)
		if ss == nil {
			return nil, nil, invalidParam("stop_view requires an MCP session")
		}
		removed := s.attachments.remove(attachKey{kind: attachScreencast, sessionID: ss.ID(), executionID: params.ExecutionID})
		s.audit(ctx, audit.OpViewStop, params.ExecutionID, nil, map[string]any{"was_viewing": removed})
		return nil, map[string]any{"execution_id": params.ExecutionID, "stopped": removed}, nil

	default:
		return nil, nil, screencastActions.unknown(params.Action)
	}
}

// LiveParams is the unified params struct for the live tool
type LiveParams struct {
	Action      string `json:"action" jsonschema:"one of subscribe, unsubscribe"`
	ExecutionID string `json:"execution_id" jsonschema:"execution whose events to receive"`
}

var liveActions = newActionSet("live", "subscribe", "unsubscribe")

// handleLive is the unified handler for the live tool
func (s *Server) handleLive(ctx context.Context, request *mcp.CallToolRequest, params *LiveParams) (*mcp.CallToolResult, any, error) {
	if err := liveActions.check(params.Action); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateExecutionID(params.ExecutionID); err != nil {
		return nil, nil, invalidParam("%v", err)
	}

	ss := sessionOf(request)
	if ss == nil {
		return nil, nil, invalidParam("live requires an MCP session")
	}
	key := attachKey{kind: attachLive, sessionID: ss.ID(), executionID: params.ExecutionID}

	switch params.Action {
	case "subscribe":
		if s.attachments.has(key) {
			return nil, map[string]any{"execution_id": params.ExecutionID, "subscribed": true}, nil
		}
		err := s.subscribeLive(key, ss)
		s.audit(ctx, audit.OpLiveSubscribe, params.ExecutionID, err, nil)
		if err != nil {
			return nil, nil, SanitizeError(err, "live subscribe")
		}
		return nil, map[string]any{
			"execution_id": params.ExecutionID,
			"subscribed":   true,
			"observers":    s.svc.Hub().Subscribers(params.ExecutionID),
		}, nil

	case "unsubscribe":
		removed := s.attachments.remove(key)
		return nil, map[string]any{"execution_id": params.ExecutionID, "unsubscribed": removed}, nil

	default:
		return nil, nil, liveActions.unknown(params.Action)
	}
}

// subscribeLive joins a sink for ss to the live hub. Only executions known
// to this instance can be joined, so a typo does not create an empty topic.
func (s *Server) subscribeLive(key attachKey, ss *mcp.ServerSession) error {
	hub := s.svc.Hub()
	if !hub.Has(key.executionID) && !s.svc.Running(key.executionID) {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, key.executionID)
	}

	// room for the cached screenshot and logs on top of the live buffer
	sink := broadcast.NewChannelSink(hub.ReplayBuffer(s.buffer))
	if err := hub.Join(key.executionID, sink); err != nil {
		sink.Close()
		switch {
		case errors.Is(err, broadcast.ErrReleased):
			return fmt.Errorf("%w: %s", execution.ErrNotFound, key.executionID)
		case errors.Is(err, broadcast.ErrSinkFull):
			return fmt.Errorf("%w: replay exceeds subscriber buffer", execution.ErrInvalidRequest)
		}
		return err
	}

	a := &attachment{
		key:    key,
		sink:   sink,
		detach: func() { hub.Leave(key.executionID, sink) },
	}
	if !s.attachments.add(a, ss) {
		a.close()
	}
	return nil
}
