package config

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger installs a text slog handler at the configured level as the
// process default and returns it.
func (c *Config) NewLogger(service string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("service", service)
	slog.SetDefault(logger)
	return logger
}
