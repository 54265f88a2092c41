package infra

import (
	"log/slog"
	"os"
)

// NewLogger creates a standardized JSON logger for the application.
// Verbose mode (or DEBUG=true in the environment) enables debug output.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || os.Getenv("DEBUG") == "true" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetDefaultLogger configures the default slog logger to use JSON format
func SetDefaultLogger(verbose bool) {
	slog.SetDefault(NewLogger(verbose))
}
