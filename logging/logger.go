// File: logging/logger.go
// Author: momentics <momentics@gmail.com>
//
// Structured logging for the client components.

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Service is attached to every record.
const Service = "hioload-mqtt"

// Options selects the handler.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output string // stdout or stderr
}

// Logger wraps slog.Logger with the default service fields.
//
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to the configured output.
func New(opts Options, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(opts.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return NewWithWriter(output, opts, version)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, opts Options, version string) *Logger {
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "text":
		handler = slog.NewTextHandler(w, hopts)
	default:
		handler = slog.NewJSONHandler(w, hopts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", Service),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger with additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is used before configuration is loaded.
func Default() *Logger {
	return New(Options{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Component returns l tagged with component=name. A nil l falls back to
// slog.Default.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}
