// Package sysutil holds process-level helpers shared by the CLI commands:
// logger setup and listen address resolution.
package sysutil

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a level name to a zerolog level.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
// Empty and unknown values map to info.
func ParseLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLogLevel configures the global zerolog level based on a string value.
func SetLogLevel(lvl string) {
	zerolog.SetGlobalLevel(ParseLevel(lvl))
}

// NewLogger builds the process logger. pretty switches to a human-readable
// console writer for local runs; otherwise lines are JSON.
func NewLogger(w io.Writer, pretty bool, service, command string) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(w).With().Timestamp().Str("service", service)
	if command != "" {
		ctx = ctx.Str("cmd", command)
	}
	return ctx.Logger()
}

// FirstNonEmpty returns the first non-blank string from a variadic list.
// If all values are blank, it returns "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ListenAddr resolves the HTTP listen address: an explicit override wins,
// otherwise the configured port on all interfaces.
func ListenAddr(override, port string) string {
	if addr := FirstNonEmpty(override); addr != "" {
		return strings.TrimSpace(addr)
	}
	return ":" + strings.TrimPrefix(strings.TrimSpace(FirstNonEmpty(port, "8080")), ":")
}
