package mcp

// registerAllTools registers every tool with the registry
func (s *Server) registerAllTools(r *Registry) error {
	if err := Register(r, ToolDef{
		Name: "execution",
		Description: "Start and control automation runs. Actions: start (driver, params, step_budget, timeout_seconds), " +
			"pause, resume, stop, status, list, snapshot (cached screenshot and recent logs), history (persisted runs).",
		Access: AccessWrite,
	}, s.handleExecution); err != nil {
		return err
	}

	if err := Register(r, ToolDef{
		Name: "screencast",
		Description: "Watch the live frame stream of a run. Actions: status, view, ack (frame_id), stop_view. " +
			"Frames arrive as logging notifications from logger vigil.screencast; each must be acked before the next is sent.",
		Access: AccessRead,
	}, s.handleScreencast); err != nil {
		return err
	}

	return Register(r, ToolDef{
		Name: "live",
		Description: "Subscribe this session to a run's live events. Actions: subscribe, unsubscribe. " +
			"The cached screenshot and logs are replayed first, then events arrive as logging notifications from logger vigil.live.",
		Access: AccessRead,
	}, s.handleLive)
}
