// Package log configures the zerolog-based logging used across the
// manager. Every loop obtains a child logger through WithComponent so
// one session's journey from pending queue to termination can be
// reassembled from the stream by filtering on component plus the
// session_id, agent_id, and route_id fields the call sites attach.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root; children derive from it.
var Logger zerolog.Logger

// Level names a severity threshold as it appears in the config file.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects severity and output shape. JSON is the production
// default; console output is for running the manager by hand.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the root logger. Call once at startup, before any
// component derives a child; an unrecognized level falls back to info
// rather than failing the boot.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent derives the per-subsystem child logger; component names
// mirror the package names (scheduler, reconciler, registry, events).
// Entity fields (session_id, agent_id, route_id, scaling_group) are
// attached at the call site, where the entity is in hand.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
