// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger carries the process-wide structured logger. Every
// package logs through it, so the one Initialize call at bootstrap sets
// the level and output for the whole service.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// The zero logger discards everything; packages logging before
// Initialize stay silent instead of panicking.
var log zerolog.Logger

// Initialize configures the global logger at the given level. Unknown
// levels fall back to info; "warning" is accepted as an alias of "warn".
func Initialize(level string) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	parsed, err := zerolog.ParseLevel(name)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	log = zerolog.New(output).
		Level(parsed).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetOutput redirects the logger, used by tests to capture or discard
// output.
func SetOutput(w io.Writer) {
	log = log.Output(w)
}

// Trace starts a trace-level event.
func Trace() *zerolog.Event {
	return log.Trace()
}

// Debug starts a debug-level event.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info starts an info-level event.
func Info() *zerolog.Event {
	return log.Info()
}

// Warn starts a warning-level event.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error starts an error-level event.
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal starts a fatal event; dispatching it exits the process.
func Fatal() *zerolog.Event {
	return log.Fatal()
}
