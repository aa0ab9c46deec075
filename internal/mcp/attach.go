package mcp

import (
	"context"
	"sync"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/logger"
)

// attachKind separates live event subscriptions from screencast viewers
type attachKind string

const (
	attachLive       attachKind = "live"
	attachScreencast attachKind = "screencast"
)

type attachKey struct {
	kind        attachKind
	sessionID   string
	executionID string
}

// attachment pumps one execution's records to one MCP session as log
// notifications
type attachment struct {
	key    attachKey
	sink   *broadcast.ChannelSink
	detach func()
	once   sync.Once
	done   chan struct{}
}

func (a *attachment) close() {
	a.once.Do(func() {
		a.detach()
		a.sink.Close()
	})
}

// attachments tracks the sinks MCP sessions hold on hubs
type attachments struct {
	mu sync.Mutex
	m  map[attachKey]*attachment
}

func newAttachments() *attachments {
	return &attachments{m: make(map[attachKey]*attachment)}
}

// add registers a and starts pumping to ss. It returns false when the
// session already holds the same attachment.
func (as *attachments) add(a *attachment, ss *mcp_sdk.ServerSession) bool {
	as.mu.Lock()
	if _, exists := as.m[a.key]; exists {
		as.mu.Unlock()
		return false
	}
	a.done = make(chan struct{})
	as.m[a.key] = a
	as.mu.Unlock()

	go as.pump(a, ss)
	return true
}

// remove detaches the attachment under key. Returns false if none exists.
func (as *attachments) remove(key attachKey) bool {
	as.mu.Lock()
	a, ok := as.m[key]
	delete(as.m, key)
	as.mu.Unlock()

	if !ok {
		return false
	}
	a.close()
	<-a.done
	return true
}

func (as *attachments) has(key attachKey) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, ok := as.m[key]
	return ok
}

func (as *attachments) len() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.m)
}

// closeAll detaches every attachment
func (as *attachments) closeAll() {
	as.mu.Lock()
	all := make([]*attachment, 0, len(as.m))
	for key, a := range as.m {
		all = append(all, a)
		delete(as.m, key)
	}
	as.mu.Unlock()

	for _, a := range all {
		a.close()
		<-a.done
	}
}

func (as *attachments) forget(a *attachment) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.m[a.key] == a {
		delete(as.m, a.key)
	}
}

// pump forwards records until the sink closes, the stream ends, or the
// client can no longer be reached
func (as *attachments) pump(a *attachment, ss *mcp_sdk.ServerSession) {
	defer close(a.done)
	defer as.forget(a)
	defer a.close()

	ctx := logger.ContextWithExecutionID(context.Background(), a.key.executionID)
	name := "vigil." + string(a.key.kind)

	for rec := range a.sink.C() {
		level := mcp_sdk.LoggingLevel("info")
		if rec.Type == event.TypeError {
			level = "error"
		}
		err := ss.Log(ctx, &mcp_sdk.LoggingMessageParams{
			Logger: name,
			Level:  level,
			Data:   rec,
		})
		if err != nil {
			logger.WarnContext(ctx, "dropping MCP attachment", "kind", a.key.kind, "session", a.key.sessionID, "error", err)
			return
		}
		if endsAttachment(a.key.kind, rec) {
			return
		}
	}
}

func endsAttachment(kind attachKind, rec *event.Record) bool {
	switch kind {
	case attachLive:
		return rec.Type == event.TypeExecutionComplete
	case attachScreencast:
		return rec.Type == event.TypeError
	}
	return false
}
