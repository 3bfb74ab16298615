package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default logger, writing to stdout.
func Setup(level, format string) error {
	return SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup with an explicit destination. Debug logs carry the
// source position.
func SetupWriter(w io.Writer, level, format string) error {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	slog.SetDefault(slog.New(handler).With(slog.Int("pid", os.Getpid())))
	return nil
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithComponent returns a logger tagged with the speaker component it
// belongs to (machine, power, input...).
func WithComponent(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
