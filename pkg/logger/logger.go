// Package logger provides structured logging for the vanguards supervisor.
// It uses Go's standard log/slog package, extended with the NOTICE severity
// that sits between INFO and WARN in the control-port convention.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Severity levels. NOTICE and NONE extend the slog defaults.
const (
	LevelDebug  = slog.LevelDebug
	LevelInfo   = slog.LevelInfo
	LevelNotice = slog.Level(2)
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
	LevelNone   = slog.Level(13)
)

var levelNames = map[slog.Level]string{
	LevelDebug:  "DEBUG",
	LevelInfo:   "INFO",
	LevelNotice: "NOTICE",
	LevelWarn:   "WARN",
	LevelError:  "ERROR",
	LevelNone:   "NONE",
}

// Logger wraps slog.Logger to provide application-specific logging functionality
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified level and output writer
func New(level slog.Level, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					if name, known := levelNames[lvl]; known {
						a.Value = slog.StringValue(name)
					}
				}
			}
			return a
		},
	}
	handler := slog.NewTextHandler(w, opts)
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewDefault creates a logger with default settings (Notice level, stdout)
func NewDefault() *Logger {
	return New(LevelNotice, os.Stdout)
}

// ParseLevel parses a string log level. Unknown levels are an error: the
// caller treats a bad loglevel as fatal rather than silently downgrading.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "NOTICE":
		return LevelNotice, nil
	case "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "NONE":
		return LevelNone, nil
	default:
		return LevelNotice, fmt.Errorf("invalid loglevel: %s", level)
	}
}

// OpenLogFile opens (or creates) a log file in append mode.
func OpenLogFile(path string) (io.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("can't open log file %s: %w", path, err)
	}
	return f, nil
}

// Notice logs at the NOTICE level
func (l *Logger) Notice(msg string, args ...any) {
	l.Log(context.Background(), LevelNotice, msg, args...)
}

// With returns a new Logger with additional attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Component returns a new Logger with a "component" attribute
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Circuit returns a new Logger with circuit information
func (l *Logger) Circuit(id string) *Logger {
	return l.With("circuit_id", id)
}
