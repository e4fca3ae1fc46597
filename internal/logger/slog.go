// Package logger configures the slog logger used across the library.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"disorder.dev/shandler"

	"github.com/mindline-health/sessionkit/pkg/config"
)

// ParseLevel maps a configuration level string to a slog level. Trace and
// fatal use the shandler extension levels so they survive a round trip
// through handlers that understand them.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return shandler.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return shandler.LevelFatal
	default:
		return slog.LevelInfo
	}
}

// New builds a slog logger from the logging configuration. If w is nil,
// os.Stderr is used.
func New(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests and as the
// fallback when no logger is injected.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: shandler.LevelFatal + 2}))
}
