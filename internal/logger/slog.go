package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

var (
	slogger  *slog.Logger
	slogFile *dailyFile
)

// InitSlog initializes the structured logger. JSON output is meant for
// production, text output for terminals.
func InitSlog(logDir string, jsonOutput bool, debug bool) error {
	f, err := newDailyFile(logDir, time.Now)
	if err != nil {
		return err
	}
	slogFile = f

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	writer := io.MultiWriter(os.Stdout, f)
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if slogFile != nil {
		return slogFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

type contextKey string

const (
	ContextKeyRequestID   contextKey = "request_id"
	ContextKeyExecutionID contextKey = "execution_id"
	ContextKeyViewerID    contextKey = "viewer_id"
)

// ContextWithExecutionID tags ctx so log lines carry execution_id
func ContextWithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyExecutionID, id)
}

// ContextWithRequestID tags ctx so log lines carry request_id
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// ContextWithViewerID tags ctx so log lines carry viewer_id
func ContextWithViewerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyViewerID, id)
}

// WithContext returns a logger carrying the ids stored in ctx
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()
	for _, key := range []contextKey{ContextKeyRequestID, ContextKeyExecutionID, ContextKeyViewerID} {
		if v := ctx.Value(key); v != nil {
			l = l.With(string(key), v)
		}
	}
	return l
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
