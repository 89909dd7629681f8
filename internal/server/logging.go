package server

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/config"
)

// ParseLevel maps a configured level name to a slog.Level. Unknown names
// mean info.
func ParseLevel(s string) slog.Level {
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

// BuildLogger creates an slog.Logger based on configuration. The level is
// read through level so it can change on reload; a nil level is fixed at
// the configured value.
func BuildLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	if level == nil {
		level = new(slog.LevelVar)
	}
	level.Set(ParseLevel(cfg.Level))

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return slog.New(newHandler(output, cfg.Format, level))
}

func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	switch format {
	case "console":
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
}
