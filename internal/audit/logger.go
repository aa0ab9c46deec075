package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpExecutionStart  Operation = "execution.start"
	OpExecutionPause  Operation = "execution.pause"
	OpExecutionResume Operation = "execution.resume"
	OpExecutionStop   Operation = "execution.stop"
	OpViewStart       Operation = "screencast.view_start"
	OpViewStop        Operation = "screencast.view_stop"
	OpLiveSubscribe   Operation = "live.subscribe"
)

// Event represents an audit log entry
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Operation   Operation      `json:"operation"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Source      string         `json:"source,omitempty"` // mcp, ws, relay, cli
	RequestID   string         `json:"request_id,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to stdout
func New(enabled bool) *Logger {
	return NewWithWriter(os.Stdout, enabled)
}

// NewWithWriter creates an audit logger writing JSON lines to w
func NewWithWriter(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", event.ExecutionID))
	}
	if event.Source != "" {
		attrs = append(attrs, slog.String("source", event.Source))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op against executionID, successful when err is nil
func (l *Logger) Record(op Operation, source, executionID string, err error) {
	event := &Event{
		Operation:   op,
		ExecutionID: executionID,
		Source:      source,
		Success:     err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func Record(op Operation, source, executionID string, err error) {
	Default().Record(op, source, executionID, err)
}
