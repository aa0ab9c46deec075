package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/vigil/internal/audit"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/history"
	"github.com/HyphaGroup/vigil/internal/relay"
	"github.com/HyphaGroup/vigil/internal/validation"
)

// ExecutionParams is the unified params struct for the execution tool
type ExecutionParams struct {
	Action string `json:"action" jsonschema:"one of start, pause, resume, stop, status, list, snapshot, history"`

	// For everything but list
	ExecutionID string `json:"execution_id,omitempty" jsonschema:"execution id; optional for start, which generates one"`

	// For start
	Driver         string         `json:"driver,omitempty" jsonschema:"registered driver name, e.g. synthetic"`
	Params         map[string]any `json:"params,omitempty" jsonschema:"driver specific parameters"`
	StepBudget     int            `json:"step_budget,omitempty" jsonschema:"maximum number of steps"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" jsonschema:"wall clock limit; defaults to step_budget times the per-step timeout"`

	// For snapshot
	IncludeFrame bool `json:"include_frame,omitempty" jsonschema:"include the cached screenshot bytes"`

	// For history
	Status string `json:"status,omitempty" jsonschema:"filter history by final status"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of history rows"`
}

var executionActions = newActionSet("execution", "start", "pause", "resume", "stop", "status", "list", "snapshot", "history")

// handleExecution is the unified handler for the execution tool
func (s *Server) handleExecution(ctx context.Context, request *mcp.CallToolRequest, params *ExecutionParams) (*mcp.CallToolResult, any, error) {
	if err := executionActions.check(params.Action); err != nil {
		return nil, nil, err
	}

	switch params.Action {
	case "start":
		return s.executionStart(ctx, params)
	case "pause":
		return s.executionControl(ctx, params.ExecutionID, relay.CommandPause)
	case "resume":
		return s.executionControl(ctx, params.ExecutionID, relay.CommandResume)
	case "stop":
		return s.executionControl(ctx, params.ExecutionID, relay.CommandStop)
	case "status":
		return s.executionStatus(ctx, params)
	case "list":
		return nil, map[string]any{"executions": s.svc.List(), "drivers": s.svc.Drivers()}, nil
	case "snapshot":
		return s.executionSnapshot(params)
	case "history":
		return s.executionHistory(ctx, params)
	default:
		return nil, nil, executionActions.unknown(params.Action)
	}
}

func (s *Server) executionStart(ctx context.Context, params *ExecutionParams) (*mcp.CallToolResult, any, error) {
	if params.Driver == "" {
		return nil, nil, invalidParam("driver is required for start; available drivers: %v", s.svc.Drivers())
	}
	if err := validation.ValidateDriverName(params.Driver); err != nil {
		return nil, nil, invalidParam("%v", err)
	}
	if params.ExecutionID != "" {
		if err := validation.ValidateExecutionID(params.ExecutionID); err != nil {
			return nil, nil, invalidParam("%v", err)
		}
	}
	if err := validation.ValidateStepBudget(params.StepBudget, s.maxBudget); err != nil {
		return nil, nil, invalidParam("%v", err)
	}
	if params.TimeoutSeconds < 0 {
		return nil, nil, invalidParam("timeout_seconds must not be negative")
	}

	var driverParams json.RawMessage
	if params.Params != nil {
		data, err := json.Marshal(params.Params)
		if err != nil {
			return nil, nil, invalidParam("invalid params: %v", err)
		}
		driverParams = data
	}

	exec, err := s.svc.Start(execution.StartRequest{
		ExecutionID:    params.ExecutionID,
		Driver:         params.Driver,
		Params:         driverParams,
		StepBudget:     params.StepBudget,
		TimeoutSeconds: params.TimeoutSeconds,
	})
	s.audit(ctx, audit.OpExecutionStart, exec.ID, err, map[string]any{"driver": params.Driver})
	if err != nil {
		return nil, nil, SanitizeError(err, "execution start")
	}
	return nil, exec, nil
}

// ControlResult reports what a pause, resume or stop did
type ControlResult struct {
	ExecutionID string `json:"execution_id"`
	Command     string `json:"command"`
	Applied     bool   `json:"applied"`
	Relayed     bool   `json:"relayed,omitempty"`
}

var controlOps = map[relay.Command]audit.Operation{
	relay.CommandPause:  audit.OpExecutionPause,
	relay.CommandResume: audit.OpExecutionResume,
	relay.CommandStop:   audit.OpExecutionStop,
}

func (s *Server) executionControl(ctx context.Context, id string, cmd relay.Command) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateExecutionID(id); err != nil {
		return nil, nil, invalidParam("%v", err)
	}

	res, err := s.applyControl(ctx, id, cmd)
	details := map[string]any{"applied": res.Applied}
	if res.Relayed {
		details["relayed"] = true
	}
	s.audit(ctx, controlOps[cmd], id, err, details)
	if err != nil {
		return nil, nil, SanitizeError(err, "execution "+string(cmd))
	}
	return nil, res, nil
}

// applyControl applies cmd locally, or hands it to the relay when another
// instance owns the run
func (s *Server) applyControl(ctx context.Context, id string, cmd relay.Command) (ControlResult, error) {
	res := ControlResult{ExecutionID: id, Command: string(cmd)}

	if s.relay != nil {
		applied, relayed, err := s.relay.Dispatch(ctx, id, cmd)
		res.Applied, res.Relayed = applied, relayed
		return res, err
	}

	if !s.svc.Running(id) {
		return res, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	switch cmd {
	case relay.CommandPause:
		res.Applied = s.svc.Pause(id)
	case relay.CommandResume:
		res.Applied = s.svc.Resume(id)
	case relay.CommandStop:
		res.Applied = s.svc.Stop(id)
	}
	return res, nil
}

func (s *Server) executionStatus(ctx context.Context, params *ExecutionParams) (*mcp.CallToolResult, any, error) {
	if params.ExecutionID == "" {
		return nil, nil, invalidParam("execution_id is required for status")
	}

	if view, ok := s.svc.Get(params.ExecutionID); ok {
		return nil, view, nil
	}
	if out, ok := s.svc.Outcome(params.ExecutionID); ok {
		return nil, out, nil
	}
	if s.history != nil {
		run, err := s.history.Get(ctx, params.ExecutionID)
		if err == nil {
			return nil, run, nil
		}
		if !errors.Is(err, history.ErrRunNotFound) {
			return nil, nil, SanitizeError(err, "execution status")
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", execution.ErrNotFound, params.ExecutionID)
}

// Snapshot is the cached state a late observer starts from
type Snapshot struct {
	ExecutionID      string          `json:"execution_id"`
	HasScreenshot    bool            `json:"has_screenshot"`
	ScreenshotFormat string          `json:"screenshot_format,omitempty"`
	ScreenshotAt     string          `json:"screenshot_at,omitempty"`
	Screenshot       []byte          `json:"screenshot,omitempty"`
	Logs             []*event.Record `json:"logs"`
}

func (s *Server) executionSnapshot(params *ExecutionParams) (*mcp.CallToolResult, any, error) {
	if params.ExecutionID == "" {
		return nil, nil, invalidParam("execution_id is required for snapshot")
	}

	hub := s.svc.Hub()
	if !hub.Has(params.ExecutionID) {
		return nil, nil, fmt.Errorf("%w: %s", execution.ErrNotFound, params.ExecutionID)
	}

	snap := Snapshot{ExecutionID: params.ExecutionID, Logs: []*event.Record{}}
	if logs, ok := hub.CachedLogs(params.ExecutionID); ok {
		snap.Logs = logs
	}
	if frame, ok := hub.CachedFrame(params.ExecutionID); ok && frame.Screenshot != nil {
		snap.HasScreenshot = true
		snap.ScreenshotFormat = frame.Screenshot.Format
		snap.ScreenshotAt = frame.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
		if params.IncludeFrame {
			snap.Screenshot = frame.Screenshot.Data
		}
	}
	return nil, snap, nil
}

func (s *Server) executionHistory(ctx context.Context, params *ExecutionParams) (*mcp.CallToolResult, any, error) {
	if s.history == nil {
		return nil, nil, invalidParam("history is disabled on this server")
	}

	if params.ExecutionID != "" {
		run, err := s.history.Get(ctx, params.ExecutionID)
		if err != nil {
			return nil, nil, SanitizeError(err, "execution history")
		}
		steps, err := s.history.Steps(ctx, params.ExecutionID)
		if err != nil {
			return nil, nil, SanitizeError(err, "execution history")
		}
		return nil, map[string]any{"run": run, "steps": steps}, nil
	}

	runs, err := s.history.List(ctx, history.ListFilter{Status: params.Status, Limit: params.Limit})
	if err != nil {
		return nil, nil, SanitizeError(err, "execution history")
	}
	return nil, map[string]any{"runs": runs, "count": len(runs)}, nil
}

// audit records op with the request id of ctx
func (s *Server) audit(ctx context.Context, op audit.Operation, executionID string, err error, details map[string]any) {
	ev := &audit.Event{
		Operation:   op,
		ExecutionID: executionID,
		Source:      "mcp",
		RequestID:   RequestID(ctx),
		Success:     err == nil,
		Details:     details,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	audit.Log(ev)
}
