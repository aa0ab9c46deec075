package mcp

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// actionSet names the actions one multiplexed tool accepts
type actionSet struct {
	tool    string
	actions []string
}

func newActionSet(tool string, actions ...string) actionSet {
	return actionSet{tool: tool, actions: actions}
}

// check rejects a missing or unknown action before any parameter is validated
func (a actionSet) check(action string) error {
	if action == "" {
		return fmt.Errorf("action parameter is required for %s tool; valid actions: %s", a.tool, a.list())
	}
	if !slices.Contains(a.actions, action) {
		return a.unknown(action)
	}
	return nil
}

func (a actionSet) unknown(action string) error {
	return fmt.Errorf("unknown action '%s' for %s tool; valid actions: %s", action, a.tool, a.list())
}

func (a actionSet) list() string {
	return strings.Join(a.actions, ", ")
}

// errorResult reports a tool failure to the client as content, not as a
// protocol error
func errorResult(msg string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: msg}},
	}
}

// jsonResult renders a handler's output value as JSON text
func jsonResult(v any) *mcp_sdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: string(data)}},
	}
}
