package runtime

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger every process uses. LOG_LEVEL accepts debug, info, warn
// and error.
func NewLogger(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(Getenv("LOG_LEVEL", "info")),
	})
	return slog.New(h).With("service", service)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
