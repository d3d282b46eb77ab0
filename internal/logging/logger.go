// Package logging provides the leveled, structured logger shared by all
// scriptbridge components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Level represents the severity level of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
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

// ParseLevel parses a string into a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func (l Level) hclog() hclog.Level {
	switch l {
	case LevelDebug:
		return hclog.Debug
	case LevelWarn:
		return hclog.Warn
	case LevelError:
		return hclog.Error
	default:
		return hclog.Info
	}
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level to output.
	Level Level
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Name is prepended to all log messages.
	Name string
	// JSON switches the output to one JSON object per line.
	JSON bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Name:   "scriptbridge",
	}
}

// Logger provides structured logging. Messages are printf-style; fields are
// attached with WithField and friends and rendered as key=value pairs.
type Logger struct {
	hl hclog.Logger
}

// New creates a new logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	return &Logger{
		hl: hclog.New(&hclog.LoggerOptions{
			Name:       cfg.Name,
			Level:      cfg.Level.hclog(),
			Output:     cfg.Output,
			JSONFormat: cfg.JSON,
		}),
	}
}

// Null returns a logger that discards all output.
func Null() *Logger {
	return &Logger{hl: hclog.NewNullLogger()}
}

// WithField returns a new logger with the given field added.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{hl: l.hl.With(key, value)}
}

// WithFields returns a new logger with the given fields added.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{hl: l.hl.With(args...)}
}

// WithComponent returns a new logger with the component field set.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.hl.SetLevel(level.hclog())
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	switch level {
	case LevelDebug:
		return l.hl.IsDebug()
	case LevelInfo:
		return l.hl.IsInfo()
	case LevelWarn:
		return l.hl.IsWarn()
	default:
		return l.hl.IsError()
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.hl.Debug(format(msg, args))
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	l.hl.Info(format(msg, args))
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.hl.Warn(format(msg, args))
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.hl.Error(format(msg, args))
}

// Writer returns an io.Writer that logs each written line at level.
// Used to relay child process output.
func (l *Logger) Writer(level Level) io.Writer {
	return l.hl.StandardWriter(&hclog.StandardLoggerOptions{
		ForceLevel: level.hclog(),
	})
}

func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
