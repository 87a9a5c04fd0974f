// Package logger configures the process-wide slog default logger.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Init initializes the global logger and installs it as slog's default.
func Init(service string, env string, level slog.Level) *slog.Logger {
	var handler slog.Handler

	if env == "production" {
		opts := &slog.HandlerOptions{
			Level:     level,
			AddSource: level <= slog.LevelDebug,
		}
		handler = slog.NewJSONHandler(os.Stdout, opts).
			WithAttrs([]slog.Attr{
				slog.String("service", service),
				slog.String("env", env),
			})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		})
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}

// LevelFromVerbosity maps the CLI's repeatable -v flag to an slog level.
// slog has no trace level; at verbosity >= 2 callers should additionally
// tag trace-ish log lines with a "trace" attribute at Debug level.
func LevelFromVerbosity(v int) slog.Level {
	switch {
	case v >= 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// ParseLevelFromEnv reads LOG_LEVEL from the environment, defaulting to INFO.
func ParseLevelFromEnv() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the default global logger.
func L() *slog.Logger {
	return slog.Default()
}
