package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger = slog.Logger

type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// New builds the process logger. The returned LevelVar can be adjusted at
// runtime when the configuration is reloaded.
func New(cfg Config) (*Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), level
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
