// Package observability wires structured logging, Prometheus metrics and the
// admin HTTP surface shared by the facegate binaries.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the console logger for app and installs it as the global
// zerolog logger. An unknown or empty level selects info.
func InitLogger(app, level string) zerolog.Logger {
	return InitLoggerTo(os.Stdout, app, level)
}

// InitLoggerTo is InitLogger writing to out.
func InitLoggerTo(out io.Writer, app, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(ParseLevel(level)).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a config string to a zerolog level.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
