package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/vigil/internal/logger"
)

type contextKey string

const contextKeyRemoteAddr contextKey = "vigil-remote-addr"

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRemoteAddr adds the remote address to context
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyRemoteAddr, addr)
}

// GetRemoteAddr extracts the remote address from context
func GetRemoteAddr(ctx context.Context) string {
	if addr, ok := ctx.Value(contextKeyRemoteAddr).(string); ok {
		return addr
	}
	return ""
}

// RequestID returns the request id stored by the HTTP middleware
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(logger.ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// sessionOf returns the MCP session that issued req, if any
func sessionOf(req *mcp_sdk.CallToolRequest) *mcp_sdk.ServerSession {
	if req == nil {
		return nil
	}
	return req.Session
}
