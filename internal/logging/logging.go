// Package logging provides structured logging for the TURN relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below debug and is only used for per-packet diagnostics.
const LevelTrace = slog.LevelDebug - 4

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: trace, debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent    = "component"
	KeyAllocationID = "allocation_id"
	KeyClient       = "client"
	KeyRelay        = "relay"
	KeyPeer         = "peer"
	KeyTransport    = "transport"
	KeyUsername     = "username"
	KeyMethod       = "method"
	KeyCode         = "code"
	KeyReason       = "reason"
	KeyConnID       = "conn_id"
	KeyChannel      = "channel"
	KeyLifetime     = "lifetime"
	KeyToken        = "token"
	KeyAddress      = "address"
	KeyError        = "error"
	KeyDuration     = "duration"
	KeyCount        = "count"
)
