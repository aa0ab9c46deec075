// Package ws serves live execution events and screencast frames to browser
// dashboards over websockets.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/vigil/internal/audit"
	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/screencast"
	"github.com/HyphaGroup/vigil/internal/validation"
)

// Runs reports which executions are live in this process
type Runs interface {
	Running(executionID string) bool
}

// Config tunes the websocket endpoints
type Config struct {
	// PingInterval is how often the server pings; zero disables keepalive
	PingInterval     time.Duration
	SubscriberBuffer int
	// CheckOrigin overrides the upgrader's same-origin check
	CheckOrigin func(r *http.Request) bool
}

// Handler serves /ws/live/{id}, /ws/screencast/{id} and
// /screencast/{id}/status
type Handler struct {
	hub      *broadcast.Hub
	streams  *screencast.Manager
	runs     Runs
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket handler
func NewHandler(hub *broadcast.Hub, streams *screencast.Manager, runs Runs, cfg Config) *Handler {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = broadcast.DefaultSinkBuffer
	}
	return &Handler{
		hub:     hub,
		streams: streams,
		runs:    runs,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Mount registers the endpoints through handle, such as
// (*http.ServeMux).Handle or (*mcp.Server).Handle
func (h *Handler) Mount(handle func(pattern string, handler http.Handler)) {
	handle("GET /ws/live/{id}", http.HandlerFunc(h.ServeLive))
	handle("GET /ws/screencast/{id}", http.HandlerFunc(h.ServeScreencast))
	handle("GET /screencast/{id}/status", http.HandlerFunc(h.ServeStatus))
}

// errorMessage is sent before closing a socket that cannot be served
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorMessage(msg string) errorMessage {
	return errorMessage{Type: "error", Message: msg}
}

// reject sends msg and closes the socket
func reject(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(newErrorMessage(msg))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(writeWait))
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request) (string, *websocket.Conn, bool) {
	id := r.PathValue("id")
	if err := validation.ValidateExecutionID(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", nil, false
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		logger.Printf("websocket upgrade failed for %s: %v", id, err)
		return "", nil, false
	}
	return id, conn, true
}

// ServeLive streams the live events of one execution: the cached screenshot
// and logs first, then every record as it is published. The text message
// "ping" is answered with "pong".
func (h *Handler) ServeLive(w http.ResponseWriter, r *http.Request) {
	id, conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	ctx := logger.ContextWithExecutionID(r.Context(), id)
	if !h.hub.Has(id) && !h.runs.Running(id) {
		reject(conn, "execution not found")
		return
	}

	sink := broadcast.NewChannelSink(h.hub.ReplayBuffer(h.cfg.SubscriberBuffer))
	err := h.hub.Join(id, sink)
	audit.Log(&audit.Event{
		Operation:   audit.OpLiveSubscribe,
		ExecutionID: id,
		Source:      "ws",
		Success:     err == nil,
		Details:     map[string]any{"remote": r.RemoteAddr},
	})
	if err != nil {
		sink.Close()
		reject(conn, "failed to join live stream")
		return
	}
	defer func() {
		h.hub.Leave(id, sink)
		sink.Close()
	}()
	logger.InfoContext(ctx, "live viewer connected", "remote", r.RemoteAddr)

	p := newPeer(conn, h.cfg.PingInterval)
	go p.readLoop(func(data []byte) (*outbound, bool) {
		if strings.TrimSpace(string(data)) == "ping" {
			return &outbound{text: "pong"}, false
		}
		return nil, false
	})
	p.writeLoop(sink.C(), func(rec *event.Record) (any, bool) {
		return rec, rec.Type == event.TypeExecutionComplete
	})
	logger.InfoContext(ctx, "live viewer disconnected", "remote", r.RemoteAddr)
}

// clientMessage is what a screencast viewer sends
type clientMessage struct {
	Type    string `json:"type"`
	FrameID uint64 `json:"frame_id,omitempty"`
}

// frameMessage carries one screencast frame
type frameMessage struct {
	Type      string    `json:"type"`
	FrameID   uint64    `json:"frame_id"`
	Data      []byte    `json:"data"`
	Format    string    `json:"format"`
	Timestamp time.Time `json:"timestamp"`
}

// ServeScreencast streams frames of one execution. The viewer acknowledges
// each frame with {"type":"ack","frame_id":N} and ends viewing with
// {"type":"stop"} or the text "stop".
func (h *Handler) ServeScreencast(w http.ResponseWriter, r *http.Request) {
	id, conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	ctx := logger.ContextWithExecutionID(r.Context(), id)
	if !h.streams.Status(id).Available {
		reject(conn, "no running execution with a live view")
		return
	}

	sink := broadcast.NewChannelSink(h.cfg.SubscriberBuffer)
	err := h.streams.StartViewing(id, sink)
	audit.Record(audit.OpViewStart, "ws", id, err)
	if err != nil {
		sink.Close()
		msg := "failed to start live view"
		if errors.Is(err, screencast.ErrStreamUnavailable) {
			msg = err.Error()
		}
		reject(conn, msg)
		return
	}
	defer func() {
		h.streams.StopViewing(id, sink)
		sink.Close()
		audit.Record(audit.OpViewStop, "ws", id, nil)
		logger.InfoContext(ctx, "screencast viewer disconnected", "remote", r.RemoteAddr)
	}()
	logger.InfoContext(ctx, "screencast viewer connected", "remote", r.RemoteAddr)

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]string{"type": "started", "message": "live view started"}); err != nil {
		return
	}

	p := newPeer(conn, h.cfg.PingInterval)
	go p.readLoop(func(data []byte) (*outbound, bool) {
		text := strings.TrimSpace(string(data))
		switch text {
		case "ping":
			return &outbound{text: "pong"}, false
		case "stop":
			return nil, true
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return &outbound{json: newErrorMessage("invalid message")}, false
		}
		switch msg.Type {
		case "ack":
			h.streams.Ack(id, msg.FrameID)
		case "ping":
			return &outbound{json: map[string]string{"type": "pong"}}, false
		case "stop":
			return nil, true
		default:
			return &outbound{json: newErrorMessage("unknown message type " + msg.Type)}, false
		}
		return nil, false
	})
	p.writeLoop(sink.C(), func(rec *event.Record) (any, bool) {
		switch rec.Type {
		case event.TypeFrame:
			return frameMessage{
				Type:      "frame",
				FrameID:   rec.Frame.ID,
				Data:      rec.Frame.Data,
				Format:    rec.Frame.Format,
				Timestamp: rec.Timestamp,
			}, false
		case event.TypeError:
			return newErrorMessage(rec.Error.Message), true
		}
		return nil, false
	})
}

// ServeStatus reports {available, streaming, viewer_count} for one execution
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateExecutionID(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.streams.Status(id))
}
