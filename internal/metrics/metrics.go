package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveExecutions tracks executions currently running
	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_active_executions",
			Help: "Number of running executions",
		},
	)

	// ExecutionDuration tracks how long executions run
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status", "reason"},
	)

	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_steps_total",
			Help: "Total number of driver steps by result",
		},
		[]string{"status"},
	)

	ControlCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_control_commands_total",
			Help: "Total number of pause, resume and stop commands",
		},
		[]string{"command", "result"},
	)

	// EventsPublished counts records fanned out by a hub
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_published_total",
			Help: "Total number of records published to a hub",
		},
		[]string{"hub", "type"},
	)

	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_subscribers",
			Help: "Number of attached subscribers",
		},
		[]string{"hub"},
	)

	// SubscribersPruned counts subscribers removed after a failed delivery
	SubscribersPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_subscribers_pruned_total",
			Help: "Total number of subscribers pruned after a failed send",
		},
		[]string{"hub"},
	)

	// LogCacheDrops tracks log records evicted from the replay cache
	LogCacheDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_log_cache_drops_total",
			Help: "Total number of log records evicted from replay caches",
		},
	)

	Viewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_screencast_viewers",
			Help: "Number of attached screencast viewers",
		},
	)

	ProducersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_screencast_producers_running",
			Help: "Number of running screencast producers",
		},
	)

	ProducerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_screencast_producer_failures_total",
			Help: "Total number of screencast producer failures",
		},
		[]string{"stage"},
	)

	FramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_screencast_frames_total",
			Help: "Total number of screencast frames delivered",
		},
	)

	// AckWait tracks how long producers wait for viewer acknowledgement
	AckWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_screencast_ack_wait_seconds",
			Help:    "Time between frame delivery and acknowledgement",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// RelayMessages counts control messages exchanged with other instances
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_relay_messages_total",
			Help: "Total number of relayed control messages",
		},
		[]string{"direction", "command"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	HistorySwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_history_swept_total",
			Help: "Total number of history rows removed by retention sweeps",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", rw.ResponseWriter)
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses execution ids out of paths to keep label
// cardinality bounded
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	}
	for _, prefix := range []string{"/mcp/", "/ws/live/", "/ws/screencast/", "/screencast/"} {
		if strings.HasPrefix(path, prefix) {
			return strings.TrimSuffix(prefix, "/")
		}
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecutionStart increments the active execution gauge
func RecordExecutionStart() {
	ActiveExecutions.Inc()
}

// RecordExecutionEnd decrements the active execution gauge and records duration
func RecordExecutionEnd(status, reason string, durationSeconds float64) {
	ActiveExecutions.Dec()
	ExecutionDuration.WithLabelValues(status, reason).Observe(durationSeconds)
}

func RecordStep(status string) {
	StepsTotal.WithLabelValues(status).Inc()
}

// RecordControlCommand records a control command and whether it was applied
func RecordControlCommand(command string, applied bool) {
	result := "applied"
	if !applied {
		result = "ignored"
	}
	ControlCommands.WithLabelValues(command, result).Inc()
}

func RecordEventPublished(hub, eventType string) {
	EventsPublished.WithLabelValues(hub, eventType).Inc()
}

func RecordSubscriberJoin(hub string) {
	Subscribers.WithLabelValues(hub).Inc()
}

// RecordSubscribersLeft decrements the subscriber gauge by n
func RecordSubscribersLeft(hub string, n int) {
	Subscribers.WithLabelValues(hub).Sub(float64(n))
}

func RecordSubscribersPruned(hub string, n int) {
	SubscribersPruned.WithLabelValues(hub).Add(float64(n))
}

func RecordLogCacheDrop() {
	LogCacheDrops.Inc()
}

func RecordViewerJoin() {
	Viewers.Inc()
}

func RecordViewerLeave(n int) {
	Viewers.Sub(float64(n))
}

func RecordProducerStart() {
	ProducersRunning.Inc()
}

func RecordProducerStop() {
	ProducersRunning.Dec()
}

// RecordProducerFailure records a producer failure at stage "start" or "stream"
func RecordProducerFailure(stage string) {
	ProducerFailures.WithLabelValues(stage).Inc()
}

func RecordFrame() {
	FramesSent.Inc()
}

func ObserveAckWait(d time.Duration) {
	AckWait.Observe(d.Seconds())
}

// RecordRelayMessage records a relayed control message; direction is "in" or "out"
func RecordRelayMessage(direction, command string) {
	RelayMessages.WithLabelValues(direction, command).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

func RecordHistorySwept(n int64) {
	HistorySwept.Add(float64(n))
}
