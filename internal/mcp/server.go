package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/history"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
	"github.com/HyphaGroup/vigil/internal/ratelimit"
	"github.com/HyphaGroup/vigil/internal/relay"
)

// Server exposes the execution service as MCP tools over streamable HTTP
type Server struct {
	svc         *execution.Service
	history     *history.Store
	relay       *relay.Relay
	limiter     *ratelimit.Limiter
	registry    *Registry
	mcpServer   *mcp.Server
	attachments *attachments
	routes      []route
	buffer      int
	maxBudget   int
	version     string
	httpMu      sync.Mutex
	httpServer  *http.Server
	stop        chan struct{}
	closeOnce   sync.Once
}

type route struct {
	pattern string
	handler http.Handler
}

// ServerConfig holds the optional collaborators of the server
type ServerConfig struct {
	History          *history.Store
	Relay            *relay.Relay
	RateLimiter      *ratelimit.Limiter
	SubscriberBuffer int
	MaxStepBudget    int
	Version          string
}

// NewServer creates a new MCP server instance
func NewServer(svc *execution.Service, cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.Default()
	}

	s := &Server{
		svc:         svc,
		history:     cfg.History,
		relay:       cfg.Relay,
		limiter:     limiter,
		registry:    NewRegistry(),
		attachments: newAttachments(),
		buffer:      cfg.SubscriberBuffer,
		maxBudget:   cfg.MaxStepBudget,
		version:     version,
		stop:        make(chan struct{}),
	}

	if err := s.registerAllTools(s.registry); err != nil {
		return nil, err
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "vigil",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)

	return s, nil
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Handle mounts an additional rate-limited handler, such as the websocket
// endpoints, next to /mcp
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routes = append(s.routes, route{pattern: pattern, handler: h})
}

// Handler builds the HTTP handler: health and metrics endpoints without
// limits, MCP and mounted routes behind the rate limiter
func (s *Server) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	limited := ratelimit.Middleware(s.limiter)

	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/health", s.handleHealthCheck)
	mainMux.HandleFunc("/ready", s.handleReadinessCheck)
	mainMux.Handle("/metrics", metrics.Handler())

	mcpEndpoint := metrics.Middleware(limited(withRequestContext(mcpHandler)))
	mainMux.Handle("/mcp", mcpEndpoint)
	mainMux.Handle("/mcp/", mcpEndpoint)

	for _, rt := range s.routes {
		mainMux.Handle(rt.pattern, metrics.Middleware(limited(withRequestContext(rt.handler))))
	}
	return mainMux
}

// withRequestContext assigns a request id and records the caller address
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := logger.ContextWithRequestID(r.Context(), requestID)
		ctx = WithRemoteAddr(ctx, r.RemoteAddr)
		r = r.WithContext(ctx)

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		next.ServeHTTP(w, r)
	})
}

// Serve listens on addr until Shutdown is called
func (s *Server) Serve(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpMu.Lock()
	s.httpServer = srv
	s.httpMu.Unlock()

	go s.limiterJanitor()

	logger.Info("🚀 vigil MCP server listening on %s", addr)
	logger.Info("💚 Health check: http://localhost%s/health", addr)
	logger.Info("📊 Metrics: http://localhost%s/metrics", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// limiterJanitor forgets idle rate limit clients while the server runs
func (s *Server) limiterJanitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.limiter.Cleanup(10 * time.Minute)
		}
	}
}

// Shutdown stops accepting requests and detaches every MCP subscription
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	s.httpMu.Lock()
	srv := s.httpServer
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

// Close detaches every live and screencast subscription held by MCP sessions
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	s.attachments.closeAll()
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck verifies the history database answers when enabled
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.history != nil {
		if err := s.history.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","reason":"history database unavailable"}`))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
