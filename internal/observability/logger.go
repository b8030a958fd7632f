// Package observability carries the process-wide structured logger that the
// pool and its adapters emit through.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger is the leveled, field-structured logging contract every package
// logs against.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value attachment on a log line.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

var defaultLogger Logger = noopLogger{}

// SetLogger installs the process-wide logger; a nil argument restores the
// no-op sink.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the installed logger.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes structured lines through a standard library logger.
type StdLogger struct {
	L *log.Logger
}

// NewStdLogger wraps logger, defaulting to the process-wide standard logger.
func NewStdLogger(logger *log.Logger) *StdLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &StdLogger{L: logger}
}

func (s *StdLogger) Debug(msg string, fields ...Field) { s.write("DEBUG", msg, fields) }
func (s *StdLogger) Info(msg string, fields ...Field)  { s.write("INFO", msg, fields) }
func (s *StdLogger) Error(msg string, fields ...Field) { s.write("ERROR", msg, fields) }

func (s *StdLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	s.L.Print(b.String())
}
