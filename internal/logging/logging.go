// Package logging provides structured logging for the application
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	bookingKey   contextKey = "booking"
	loggerKey    contextKey = "logger"
)

// File rotation defaults for NewWithFile.
const (
	maxFileSizeMB = 100
	maxBackups    = 5
	maxAgeDays    = 28
)

// New creates a new structured logger writing to stdout
func New(level string, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

// NewWithFile creates a logger that writes to stdout and to a size-rotated
// file at path. An empty path behaves like New.
func NewWithFile(level, format, path string) *slog.Logger {
	if path == "" {
		return New(level, format)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return newLogger(io.MultiWriter(os.Stdout, file), level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithBooking tags the context with the booking being worked on
func WithBooking(ctx context.Context, bookingID string) context.Context {
	return context.WithValue(ctx, bookingKey, bookingID)
}

// BookingID extracts the booking ID from context
func BookingID(ctx context.Context) string {
	if id, ok := ctx.Value(bookingKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with request context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if id := BookingID(ctx); id != "" {
		logger = logger.With("booking", id)
	}
	return logger
}
