// Package logging provides structured JSON logging for the Storyreel Agent.
// It uses the standard library log/slog package for structured logging.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured JSON logger with the specified log level.
// Supported levels: debug, info, warn, error
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
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

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

// WithComponent returns a logger with component attribute
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithBatchID returns a logger with batch_id attribute
func WithBatchID(logger *slog.Logger, batchID string) *slog.Logger {
	return logger.With("batch_id", batchID)
}

// WithSceneIndex returns a logger with scene_index attribute
func WithSceneIndex(logger *slog.Logger, index int) *slog.Logger {
	return logger.With("scene_index", index)
}

// SanitizeKey masks an API key for safe logging.
// Shows first 4 and last 4 characters only.
// Returns "****" for keys shorter than 8 characters.
func SanitizeKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
