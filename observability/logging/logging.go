// Package logging configures structured JSON logging for the relay.
package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// LevelEnvVar overrides the log level ("debug", "info", "warn", "error").
// Without it, development environments log at debug and everything else at
// info.
const LevelEnvVar = "RELAY_LOG_LEVEL"

// Setup installs a JSON slog handler as the process default and returns it.
// Lines carry the service name and environment; the standard library logger
// is bridged so dependencies that use it keep working.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: resolveLevel(env, os.Getenv(LevelEnvVar)),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// Component tags a logger with the subsystem emitting the lines, so one
// process-wide logger fans out into filterable streams.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", name))
}

func resolveLevel(env, override string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if strings.EqualFold(strings.TrimSpace(env), "development") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
