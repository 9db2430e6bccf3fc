// Package logger provides the zerolog-backed implementation of the
// repetl.Logger interface.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Options controls output level and format.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is "json" or "console". Empty means json.
	Format string
	// Out defaults to os.Stderr.
	Out io.Writer
}

// Logger is a structured logger using zerolog for zero-allocation logging.
type Logger struct {
	logger zerolog.Logger
}

// New creates a Logger from the given options.
func New(opts Options) (*Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	} else if opts.Format != "" && opts.Format != "json" {
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("unknown log level %q: %w", opts.Level, err)
		}
	}

	return &Logger{
		logger: zerolog.New(out).Level(level).With().Timestamp().Logger(),
	}, nil
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func (l *Logger) log(event *zerolog.Event, msg string, keysAndValues ...any) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			event.Interface(key, keysAndValues[i+1])
		} else {
			event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

// Debug logs a debug-level message with structured key/value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.log(l.logger.Debug(), msg, keysAndValues...)
}

// Info logs an info-level message with structured key/value pairs.
func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.log(l.logger.Info(), msg, keysAndValues...)
}

// Warn logs a warning-level message with structured key/value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.log(l.logger.Warn(), msg, keysAndValues...)
}

// Error logs an error-level message with structured key/value pairs.
func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.log(l.logger.Error(), msg, keysAndValues...)
}
