// Package logging configures the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default slog logger. Level is read from SNIPD_LOG_LEVEL
// (debug, info, warn, error; defaults to info). When json is true a JSON
// handler is used instead of the human-readable text handler.
func Setup(json bool) {
	level := parseLevel(os.Getenv("SNIPD_LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForService returns a logger scoped to a named service.
func ForService(name string) *slog.Logger {
	return slog.Default().With("service", name)
}
