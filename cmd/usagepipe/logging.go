package main

import (
	"os"

	"github.com/rs/zerolog"
)

// newLogger wires zerolog's output and level via USAGEPIPE_DEBUG rather
// than a flag, matching the teacher's OPENUSAGE_DEBUG toggle in
// cmd/openusage/main.go.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if os.Getenv("USAGEPIPE_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}
