/*
Package idblog provides structured logging for the database engine using
zerolog. It mirrors the global-logger convenience every cuemby service
wraps zerolog in, plus a New constructor that returns a standalone
instance: an Engine holds its own logger explicitly rather than reaching
for the package global, since more than one Engine can exist in a single
process (one per open SQLite file, for instance).
*/
package idblog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, used by cmd/idbctl and anything
// that hasn't been handed an explicit Engine logger.
var Logger zerolog.Logger

// Level represents a logging threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level     `yaml:"level"`
	JSONOutput bool      `yaml:"jsonOutput"`
	Output     io.Writer `yaml:"-"`
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a standalone logger instance from cfg, independent of the
// package-level global.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))
	if cfg.JSONOutput {
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// Init initializes the global logger, for command-line entry points that
// want the package convenience rather than an explicit instance.
func Init(cfg Config) {
	Logger = New(cfg)
}

// WithComponent creates a child logger carrying a component field, e.g.
// "idbengine", "idbmem", "idbsql".
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithTxHandle tags a logger with the transaction handle an error or
// swallowed listener panic occurred on.
func WithTxHandle(base zerolog.Logger, handle int64) zerolog.Logger {
	return base.With().Int64("tx_handle", handle).Logger()
}

// WithCode tags a logger with the idberr.Code of the condition being
// logged.
func WithCode(base zerolog.Logger, code string) zerolog.Logger {
	return base.With().Str("code", code).Logger()
}
