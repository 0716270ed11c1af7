package helpers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ParseLevel accepts "debug", "info", "warn", "error" or the numeric levels 10, 20, 30, 40 and 50.
// Unknown values fall back to info.
func ParseLevel(logLevel string) slog.Level {
	s := strings.TrimSpace(logLevel)
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n <= 10:
			return slog.LevelDebug
		case n <= 20:
			return slog.LevelInfo
		case n <= 30:
			return slog.LevelWarn
		default:
			return slog.LevelError
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger creates a new Logger with structured logging using slog
func NewLogger(serviceName, logLevel string) *slog.Logger {
	return NewLoggerTo(os.Stdout, serviceName, ParseLevel(logLevel))
}

func NewLoggerTo(w io.Writer, serviceName string, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With("service", serviceName)
}

// ComponentLogger returns a logger for a sub-component. With debug set the component logs at debug
// level regardless of the hub level.
func ComponentLogger(base *slog.Logger, component string, debug bool) *slog.Logger {
	if !debug {
		return base.With("component", component)
	}
	return slog.New(&minLevelHandler{Handler: base.Handler(), level: slog.LevelDebug}).With("component", component)
}

type minLevelHandler struct {
	slog.Handler
	level slog.Level
}

func (h *minLevelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *minLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *minLevelHandler) WithGroup(name string) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}
