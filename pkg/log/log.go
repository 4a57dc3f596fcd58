// Package log provides the structured logging used by the jacket's
// validate, backup, and restore operations — the only places the core
// logs anything (spec.md §7: "the core itself performs no logging except
// in validate and backup/restore where a sink is passed in").
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once via Init.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Level is a logging verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the subsystem name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJacket returns a child logger tagged with a jacket's id_hash.
func WithJacket(idHash string) zerolog.Logger {
	return Logger.With().Str("jacket", idHash).Logger()
}

// WithHistory returns a child logger tagged with a history number, for
// validate/backup/restore progress lines scoped to one record.
func WithHistory(l zerolog.Logger, n uint64) zerolog.Logger {
	return l.With().Uint64("history", n).Logger()
}

// WithEntry returns a child logger tagged with an entry number and
// revision, for lines scoped to one entry revision.
func WithEntry(l zerolog.Logger, e, r uint64) zerolog.Logger {
	return l.With().Uint64("entry", e).Uint64("revision", r).Logger()
}

// ZerologSink adapts a zerolog.Logger into the plain-string progress-line
// capability (Info/Warn/Error(msg string)) that jacket.Validate,
// jacket.BackupPush, and jacket.BackupPull accept as their Log parameter
// (spec.md §4.9-§4.11: "the core itself performs no logging except in
// validate and backup/restore where a sink is passed in").
type ZerologSink struct {
	L zerolog.Logger
}

func (s ZerologSink) Info(msg string)  { s.L.Info().Msg(msg) }
func (s ZerologSink) Warn(msg string)  { s.L.Warn().Msg(msg) }
func (s ZerologSink) Error(msg string) { s.L.Error().Msg(msg) }
