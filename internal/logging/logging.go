// Package logging wires up the process-wide slog logger for a relay
// worker. Output always goes to stderr so the supervisor can capture it;
// the format (plain text, key=value, or JSON) and minimum level come from
// configuration, and fixed attributes such as the worker PID are attached
// once here instead of at every call site.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the handler format, minimum level, and the fixed
// attributes stamped on every record.
type Config struct {
	Level            string
	Structured       bool
	StructuredFormat string
	IncludePID       bool
	ExtraFields      map[string]string
}

// Configure builds the logger described by cfg, installs it as the slog
// default, and returns it.
func Configure(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	out := io.Writer(os.Stderr)

	var handler slog.Handler
	if cfg.Structured && strings.ToLower(cfg.StructuredFormat) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		// Both the plain and the structured key=value formats are served by
		// the text handler.
		handler = slog.NewTextHandler(out, opts)
	}

	attrs := make([]slog.Attr, 0, len(cfg.ExtraFields)+1)
	for k, v := range cfg.ExtraFields {
		attrs = append(attrs, slog.String(k, v))
	}
	if cfg.IncludePID {
		attrs = append(attrs, slog.Int("pid", os.Getpid()))
	}
	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// WithClient returns a child logger tagging every record with a client ID,
// so call sites across the worker package don't repeat "client", id at
// every call.
func WithClient(logger *slog.Logger, clientID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("client", clientID)
}

// parseLevel maps a config string to a slog level, tolerating case and
// falling back to Info for anything unrecognized.
func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
