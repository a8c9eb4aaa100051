package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns the application logger. JSON output so log aggregation can index
// the attribute keys used across services (request_id, region_id, hierarchy_id).
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops everything; used as the default in
// services constructed without WithLogger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
