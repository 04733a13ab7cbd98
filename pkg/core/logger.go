package core

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LevelDebug is for detailed debugging information
	LevelDebug LogLevel = iota
	// LevelInfo is for general informational messages
	LevelInfo
	// LevelWarn is for warning messages
	LevelWarn
	// LevelError is for error messages
	LevelError
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a level name such as "debug" or "warn" into a LogLevel
func ParseLogLevel(name string) (LogLevel, error) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return LevelInfo, err
	}
	switch {
	case lvl >= logrus.DebugLevel:
		return LevelDebug, nil
	case lvl == logrus.InfoLevel:
		return LevelInfo, nil
	case lvl == logrus.WarnLevel:
		return LevelWarn, nil
	default:
		return LevelError, nil
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger is the interface for logging operations
type Logger interface {
	// Debug logs a debug message
	Debug(msg string, keyvals ...any)
	// Info logs an informational message
	Info(msg string, keyvals ...any)
	// Warn logs a warning message
	Warn(msg string, keyvals ...any)
	// Error logs an error message
	Error(msg string, keyvals ...any)
	// With returns a new logger with additional key-value pairs
	With(keyvals ...any) Logger
}

// logrusLogger adapts a logrus entry to Logger
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger creates a new text logger that writes to the given writer
func NewLogger(writer io.Writer, minLevel LogLevel) Logger {
	l := logrus.New()
	l.SetOutput(writer)
	l.SetLevel(minLevel.logrus())
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return NewLogrusLogger(l)
}

// NewStdLogger creates a new logger that writes to stderr
func NewStdLogger(minLevel LogLevel) Logger {
	return NewLogger(os.Stderr, minLevel)
}

// NewLogrusLogger wraps an existing logrus logger, keeping its formatter,
// hooks and level.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	switch v := l.(type) {
	case *logrus.Entry:
		return &logrusLogger{entry: v}
	case *logrus.Logger:
		return &logrusLogger{entry: logrus.NewEntry(v)}
	default:
		return &logrusLogger{entry: l.WithFields(logrus.Fields{})}
	}
}

func (l *logrusLogger) Debug(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Debug(msg)
}

func (l *logrusLogger) Info(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Info(msg)
}

func (l *logrusLogger) Warn(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Warn(msg)
}

func (l *logrusLogger) Error(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Error(msg)
}

func (l *logrusLogger) With(keyvals ...any) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields(keyvals))}
}

// fields converts alternating key/value pairs. A trailing key without a value
// is kept under "!BADKEY".
func fields(keyvals []any) logrus.Fields {
	f := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 >= len(keyvals) {
			f["!BADKEY"] = keyvals[i]
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		f[key] = keyvals[i+1]
	}
	return f
}

// nopLogger is a no-op logger that discards all log messages
type nopLogger struct{}

// Debug is a no-op
func (nopLogger) Debug(msg string, keyvals ...any) {}

// Info is a no-op
func (nopLogger) Info(msg string, keyvals ...any) {}

// Warn is a no-op
func (nopLogger) Warn(msg string, keyvals ...any) {}

// Error is a no-op
func (nopLogger) Error(msg string, keyvals ...any) {}

// With returns a new nopLogger
func (n nopLogger) With(keyvals ...any) Logger {
	return n
}

// NopLogger returns a logger that discards all messages
func NopLogger() Logger {
	return nopLogger{}
}
