// Package telemetry carries the observability side of robustfit: zerolog
// loggers, an MQTT progress publisher and Prometheus metrics, the latter
// two exposed as consensus listeners.
package telemetry

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ParseLevel accepts zerolog level names; the empty string means info.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "log level %q", level)
	}
	return l, nil
}

// NewLogger returns a JSON logger writing to w with a timestamp and a
// component field.
func NewLogger(w io.Writer, level zerolog.Level, component string) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewConsoleLogger is NewLogger with human-readable output on stderr.
func NewConsoleLogger(level zerolog.Level, component string) zerolog.Logger {
	return NewLogger(zerolog.ConsoleWriter{Out: os.Stderr}, level, component)
}
