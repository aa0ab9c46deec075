package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/screencast"
	"github.com/HyphaGroup/vigil/internal/testutil"
)

type fakeRuns map[string]bool

func (f fakeRuns) Running(id string) bool { return f[id] }

type testServer struct {
	hub     *broadcast.Hub
	streams *screencast.Manager
	source  *testutil.FrameSource
	url     string
}

func newTestServer(t *testing.T, runs fakeRuns) *testServer {
	t.Helper()

	ts := &testServer{
		hub:     broadcast.NewHub(),
		streams: screencast.NewManager(nil),
		source:  testutil.NewFrameSource(),
	}
	require.NoError(t, ts.streams.RegisterSource("exec-1", ts.source))

	h := NewHandler(ts.hub, ts.streams, runs, Config{PingInterval: time.Second, SubscriberBuffer: 16})
	mux := http.NewServeMux()
	h.Mount(mux.Handle)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.streams.Close()
	})
	ts.url = srv.URL
	return ts
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.url, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestLive_ReplaysCacheThenStreams(t *testing.T) {
	ts := newTestServer(t, fakeRuns{"exec-1": true})
	ts.hub.Publish("exec-1", event.NewScreenshot("exec-1", []byte{1, 2}, "png"))
	ts.hub.Publish("exec-1", event.NewLog("exec-1", event.LevelInfo, "opened page"))

	conn := ts.dial(t, "/ws/live/exec-1")

	first := readJSON(t, conn)
	assert.Equal(t, "screenshot_update", first["type"])
	second := readJSON(t, conn)
	assert.Equal(t, "log", second["type"])

	testutil.WaitFor(t, 2*time.Second, func() bool { return ts.hub.Subscribers("exec-1") == 1 }, "viewer to join")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	ts.hub.Publish("exec-1", event.NewProgress("exec-1", 2, 10))
	ts.hub.Publish("exec-1", event.NewCompletion("exec-1", event.Completion{Status: "completed", Reason: "done", StepsCompleted: 2}))

	assert.Equal(t, "progress_update", readJSON(t, conn)["type"])
	assert.Equal(t, "execution_complete", readJSON(t, conn)["type"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "closed after completion, got %v", err)

	testutil.WaitFor(t, 2*time.Second, func() bool { return ts.hub.Subscribers("exec-1") == 0 }, "viewer to leave")
}

func TestLive_FullCacheReplayFitsSubscriberBuffer(t *testing.T) {
	ts := newTestServer(t, fakeRuns{"exec-1": true})
	ts.hub.Publish("exec-1", event.NewScreenshot("exec-1", []byte{1, 2}, "png"))
	for i := 0; i < broadcast.DefaultLogCacheSize+20; i++ {
		ts.hub.Publish("exec-1", event.NewLog("exec-1", event.LevelInfo, "busy"))
	}

	conn := ts.dial(t, "/ws/live/exec-1")

	assert.Equal(t, "screenshot_update", readJSON(t, conn)["type"])
	for i := 0; i < broadcast.DefaultLogCacheSize; i++ {
		require.Equal(t, "log", readJSON(t, conn)["type"], "record %d", i)
	}
	testutil.WaitFor(t, 2*time.Second, func() bool { return ts.hub.Subscribers("exec-1") == 1 }, "viewer to join")
}

func TestLive_ReleasedExecution(t *testing.T) {
	ts := newTestServer(t, fakeRuns{})
	ts.hub.Publish("exec-done", event.NewLog("exec-done", event.LevelInfo, "x"))
	ts.hub.Release("exec-done")
	ts.hub.Publish("exec-done", event.NewLog("exec-done", event.LevelInfo, "straggler"))

	conn := ts.dial(t, "/ws/live/exec-done")
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "execution not found", msg["message"])
	assert.False(t, ts.hub.Has("exec-done"))
}

func TestLive_UnknownExecution(t *testing.T) {
	ts := newTestServer(t, fakeRuns{})
	conn := ts.dial(t, "/ws/live/ghost")

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "execution not found", msg["message"])

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestLive_InvalidID(t *testing.T) {
	ts := newTestServer(t, fakeRuns{})
	url := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws/live/bad%20id"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScreencast_FrameAckStop(t *testing.T) {
	ts := newTestServer(t, fakeRuns{"exec-1": true})
	conn := ts.dial(t, "/ws/screencast/exec-1")

	assert.Equal(t, "started", readJSON(t, conn)["type"])
	assert.True(t, ts.streams.Streaming("exec-1"))
	assert.Equal(t, 1, ts.source.Starts())

	emitted := make(chan error, 1)
	go func() {
		emitted <- ts.source.Emit(context.Background(), []byte("frame-one"))
	}()

	var frame struct {
		Type    string `json:"type"`
		FrameID uint64 `json:"frame_id"`
		Data    []byte `json:"data"`
		Format  string `json:"format"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "frame", frame.Type)
	assert.Equal(t, uint64(1), frame.FrameID)
	assert.Equal(t, []byte("frame-one"), frame.Data)
	assert.Equal(t, "jpeg", frame.Format)

	select {
	case <-emitted:
		t.Fatal("emit returned before the frame was acknowledged")
	default:
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ack", "frame_id": frame.FrameID}))
	select {
	case err := <-emitted:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ack did not release the producer")
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stop")))
	testutil.WaitFor(t, 2*time.Second, func() bool { return !ts.streams.Streaming("exec-1") }, "producer to stop with the last viewer")
	assert.Equal(t, 0, ts.streams.Viewers("exec-1"))
	assert.Equal(t, 1, ts.source.Stops())
}

func TestScreencast_ProducerFailureEndsStream(t *testing.T) {
	ts := newTestServer(t, fakeRuns{"exec-1": true})
	conn := ts.dial(t, "/ws/screencast/exec-1")
	assert.Equal(t, "started", readJSON(t, conn)["type"])

	ts.streams.UnregisterSource("exec-1")

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.NotEmpty(t, msg["message"])

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestScreencast_Unavailable(t *testing.T) {
	ts := newTestServer(t, fakeRuns{})
	conn := ts.dial(t, "/ws/screencast/ghost")

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, 0, ts.source.Starts())
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, fakeRuns{})

	tests := []struct {
		id        string
		available bool
	}{
		{"exec-1", true},
		{"ghost", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			resp, err := http.Get(ts.url + "/screencast/" + tt.id + "/status")
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			var status screencast.Status
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
			assert.Equal(t, tt.id, status.ExecutionID)
			assert.Equal(t, tt.available, status.Available)
			assert.False(t, status.Streaming)
		})
	}
}
