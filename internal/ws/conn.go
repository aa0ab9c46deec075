package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/logger"
)

const (
	// writeWait bounds a single write to the peer
	writeWait = 10 * time.Second

	// maxMessageSize bounds client messages, which are only pings, acks and stops
	maxMessageSize = 4096
)

// outbound is one message queued for the writer
type outbound struct {
	text string
	json any
}

// peer serializes all writes to one websocket connection in writeLoop.
// The reader only queues replies, since gorilla connections allow a single
// concurrent writer.
type peer struct {
	conn    *websocket.Conn
	ping    time.Duration
	replies chan outbound
	done    chan struct{}
}

func newPeer(conn *websocket.Conn, ping time.Duration) *peer {
	return &peer{
		conn:    conn,
		ping:    ping,
		replies: make(chan outbound, 16),
		done:    make(chan struct{}),
	}
}

// extendDeadline allows two ping periods for the next message or pong
func (p *peer) extendDeadline() {
	if p.ping <= 0 {
		return
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * p.ping))
}

// readLoop reads client messages until the connection fails or handle asks
// to stop. done is closed on return.
func (p *peer) readLoop(handle func(data []byte) (reply *outbound, stop bool)) {
	defer close(p.done)

	p.conn.SetReadLimit(maxMessageSize)
	p.extendDeadline()
	p.conn.SetPongHandler(func(string) error {
		p.extendDeadline()
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Printf("websocket read failed: %v", err)
			}
			return
		}
		p.extendDeadline()

		reply, stop := handle(data)
		if reply != nil {
			select {
			case p.replies <- *reply:
			default:
			}
		}
		if stop {
			return
		}
	}
}

// writeLoop forwards records as encoded by encode, replies queued by the
// reader, and keepalive pings. It returns when the records channel closes,
// encode reports the last record, the reader finishes, or a write fails.
func (p *peer) writeLoop(records <-chan *event.Record, encode func(*event.Record) (msg any, last bool)) {
	var tick <-chan time.Time
	if p.ping > 0 {
		ticker := time.NewTicker(p.ping)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				p.closeWith(websocket.CloseGoingAway, "stream closed")
				return
			}
			msg, last := encode(rec)
			if msg != nil {
				if err := p.writeJSON(msg); err != nil {
					return
				}
			}
			if last {
				p.closeWith(websocket.CloseNormalClosure, "stream ended")
				return
			}

		case out := <-p.replies:
			if err := p.write(out); err != nil {
				return
			}

		case <-tick:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.done:
			p.closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (p *peer) write(out outbound) error {
	if out.json != nil {
		return p.writeJSON(out.json)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, []byte(out.text))
}

func (p *peer) writeJSON(v any) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

// closeWith sends a close frame; the caller closes the connection
func (p *peer) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
