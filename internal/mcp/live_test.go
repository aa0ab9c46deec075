package mcp

import (
	"context"
	"testing"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/testutil"
)

// connectClient attaches an in-memory MCP client that records log notifications
func connectClient(t *testing.T, env *testEnv) (*mcp_sdk.ClientSession, <-chan *mcp_sdk.LoggingMessageParams) {
	t.Helper()
	ctx := context.Background()

	ct, st := mcp_sdk.NewInMemoryTransports()
	_, err := env.server.mcpServer.Connect(ctx, st, nil)
	require.NoError(t, err)

	received := make(chan *mcp_sdk.LoggingMessageParams, 256)
	client := mcp_sdk.NewClient(&mcp_sdk.Implementation{Name: "test-client", Version: "v0.0.1"}, &mcp_sdk.ClientOptions{
		LoggingMessageHandler: func(ctx context.Context, req *mcp_sdk.LoggingMessageRequest) {
			received <- req.Params
		},
	})
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	require.NoError(t, cs.SetLoggingLevel(ctx, &mcp_sdk.SetLoggingLevelParams{Level: "info"}))
	return cs, received
}

func recordType(p *mcp_sdk.LoggingMessageParams) string {
	data, ok := p.Data.(map[string]any)
	if !ok {
		return ""
	}
	typ, _ := data["type"].(string)
	return typ
}

func TestLiveTool_SubscribeStreamsUntilComplete(t *testing.T) {
	env := newTestEnv(t, false)
	cs, received := connectClient(t, env)
	ctx := context.Background()

	env.start(t, "run-live")
	testutil.WaitFor(t, 2*time.Second, func() bool {
		logs, _ := env.svc.Hub().CachedLogs("run-live")
		return len(logs) > 0
	}, "first step log to be cached")

	res, err := cs.CallTool(ctx, &mcp_sdk.CallToolParams{
		Name:      "live",
		Arguments: map[string]any{"action": "subscribe", "execution_id": "run-live"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, "subscribe failed: %+v", res.Content)

	// The cached log is replayed before any live event
	select {
	case first := <-received:
		assert.Equal(t, "vigil.live", first.Logger)
		assert.Equal(t, "log", recordType(first))
	case <-time.After(2 * time.Second):
		t.Fatal("no replayed record")
	}

	close(env.release)

	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case p := <-received:
			done = recordType(p) == "execution_complete"
		case <-deadline:
			t.Fatal("execution_complete never delivered")
		}
	}

	testutil.WaitFor(t, 2*time.Second, func() bool { return env.server.attachments.len() == 0 }, "attachment to end with the run")
}

func TestLiveTool_Unsubscribe(t *testing.T) {
	env := newTestEnv(t, false)
	cs, _ := connectClient(t, env)
	ctx := context.Background()

	env.start(t, "run-unsub")

	call := func(action string) *mcp_sdk.CallToolResult {
		res, err := cs.CallTool(ctx, &mcp_sdk.CallToolParams{
			Name:      "live",
			Arguments: map[string]any{"action": action, "execution_id": "run-unsub"},
		})
		require.NoError(t, err)
		require.False(t, res.IsError, "%s failed: %+v", action, res.Content)
		return res
	}

	call("subscribe")
	call("subscribe")
	assert.Equal(t, 1, env.server.attachments.len(), "subscribing twice keeps one attachment")
	assert.Equal(t, 1, env.svc.Hub().Subscribers("run-unsub"))

	call("unsubscribe")
	assert.Equal(t, 0, env.server.attachments.len())
	assert.Equal(t, 0, env.svc.Hub().Subscribers("run-unsub"))
}

func TestLiveTool_SubscribeReplaysFullCache(t *testing.T) {
	env := newTestEnv(t, false)
	cs, received := connectClient(t, env)
	ctx := context.Background()

	env.start(t, "run-busy")
	hub := env.svc.Hub()
	hub.Publish("run-busy", event.NewScreenshot("run-busy", []byte{1}, "png"))
	for i := 0; i < broadcast.DefaultLogCacheSize+50; i++ {
		hub.Publish("run-busy", event.NewLog("run-busy", event.LevelInfo, "noise"))
	}

	res, err := cs.CallTool(ctx, &mcp_sdk.CallToolParams{
		Name:      "live",
		Arguments: map[string]any{"action": "subscribe", "execution_id": "run-busy"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, "subscribe with a full cache failed: %+v", res.Content)

	deadline := time.After(5 * time.Second)
	for n := 0; n < broadcast.DefaultLogCacheSize+1; n++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("only %d replayed records delivered", n)
		}
	}
}

func TestLiveTool_SubscribeAfterReleaseIsNotFound(t *testing.T) {
	env := newTestEnv(t, false)
	cs, _ := connectClient(t, env)

	hub := env.svc.Hub()
	hub.Publish("run-gone", event.NewLog("run-gone", event.LevelInfo, "x"))
	hub.Release("run-gone")

	res, err := cs.CallTool(context.Background(), &mcp_sdk.CallToolParams{
		Name:      "live",
		Arguments: map[string]any{"action": "subscribe", "execution_id": "run-gone"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.False(t, hub.Has("run-gone"))
}
