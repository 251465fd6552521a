// Package logger provides structured logging for SigmaPilot Lens.
//
// All components log through zerolog with a small set of stable fields so the
// line-oriented JSON output can be aggregated and filtered by event:
//   - service: always "lens"
//   - component: which subsystem emitted the line
//   - event_id / stage / stage_status: present on pipeline stage transitions
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output instead of JSON
}

// New creates the root logger. Components derive their own sub-loggers via
// log.With().Str("component", ...).Logger().
func New(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)

	var logger zerolog.Logger
	if cfg.Pretty {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output)
	} else {
		logger = zerolog.New(os.Stdout)
	}

	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"

	return logger.Level(level).With().
		Timestamp().
		Str("service", "lens").
		Logger()
}

// Stage logs a pipeline stage transition with the stable field set used
// across all workers. detail fields go on the returned event.
func Stage(log zerolog.Logger, stage, eventID, status string) *zerolog.Event {
	return log.Info().
		Str("stage", stage).
		Str("event_id", eventID).
		Str("stage_status", status)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
