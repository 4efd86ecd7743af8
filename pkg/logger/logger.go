// Package logger builds the slog loggers shared by the orchestrator
// binaries. Every line carries the emitting service's name.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON logger tagged with the service name.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
