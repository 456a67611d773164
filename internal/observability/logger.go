// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var (
	loggerMu      sync.RWMutex
	defaultLogger Logger = noopLogger{}
)

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger renders structured entries through a standard library logger.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps out; debug entries are dropped unless debug is true.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	if out == nil {
		out = log.Default()
	}
	return &StdLogger{out: out, debug: debug}
}

// Debug logs a debug entry.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info logs an informational entry.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

// Error logs an error entry.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	l.out.Print(Format(level, msg, fields...))
}

// Format renders a log line as `LEVEL msg key=value ...`.
func Format(level, msg string, fields ...Field) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		switch v := field.Value.(type) {
		case string:
			if strings.ContainsAny(v, " \t\"=") || v == "" {
				fmt.Fprintf(&b, "%q", v)
			} else {
				b.WriteString(v)
			}
		case error:
			fmt.Fprintf(&b, "%q", v.Error())
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}
