// Package logger builds the structured zerolog loggers used by dtnbeacon.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init returns a console logger on stderr at the given level.
func Init(level string) zerolog.Logger {
	return New(os.Stderr, level)
}

// New returns a console logger writing to w. Supported levels: debug, info,
// warn, error. Anything else falls back to info.
func New(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(
		zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    w != os.Stderr,
		},
	).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a config level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
