package sqlbus

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger provides structured logging hooks. Args are alternating key/value pairs.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// NopLogger is a no-op logger.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

// LogrusLogger adapts a logrus entry to Logger.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps the given logrus logger. A nil logger uses the logrus standard logger.
func NewLogrusLogger(logger *logrus.Logger) LogrusLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return LogrusLogger{entry: logrus.NewEntry(logger)}
}

// DefaultLogger returns the logger used when none is configured.
func DefaultLogger() Logger {
	return NewLogrusLogger(nil)
}

// With returns a logger that always carries the given key/value pairs.
func (l LogrusLogger) With(args ...any) LogrusLogger {
	return LogrusLogger{entry: l.entry.WithFields(fields(args))}
}

// Debug implements Logger.
func (l LogrusLogger) Debug(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Debug(msg)
}

// Info implements Logger.
func (l LogrusLogger) Info(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Info(msg)
}

// Warn implements Logger.
func (l LogrusLogger) Warn(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Warn(msg)
}

// Error implements Logger.
func (l LogrusLogger) Error(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Error(msg)
}

func fields(args []any) logrus.Fields {
	out := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			out[key] = "<missing>"

			break
		}
		if err, ok := args[i+1].(error); ok {
			out[key] = err.Error()

			continue
		}
		out[key] = args[i+1]
	}

	return out
}
