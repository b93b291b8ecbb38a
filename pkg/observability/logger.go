package observability

import (
	"fmt"
	"log"
	"sort"
	"time"
)

// StandardLogger is a logger implementation backed by the standard log
// package.
type StandardLogger struct {
	prefix string
	level  LogLevel
	fields map[string]interface{}
}

// NewLogger creates a StandardLogger with the given prefix at INFO level.
func NewLogger(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: LogLevelInfo}
}

// WithLevel returns a copy of the logger at the specified minimum level.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	return &StandardLogger{prefix: l.prefix, level: level, fields: l.fields}
}

// Debug logs a debug message
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

// Info logs an info message
func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

// Warn logs a warning message
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

// Error logs an error message
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

// Debugf logs a formatted debug message
func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.log(LogLevelDebug, fmt.Sprintf(format, args...), nil)
	}
}

// Infof logs a formatted info message
func (l *StandardLogger) Infof(format string, args ...interface{}) {
	if l.enabled(LogLevelInfo) {
		l.log(LogLevelInfo, fmt.Sprintf(format, args...), nil)
	}
}

// Warnf logs a formatted warning message
func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	if l.enabled(LogLevelWarn) {
		l.log(LogLevelWarn, fmt.Sprintf(format, args...), nil)
	}
}

// Errorf logs a formatted error message
func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.log(LogLevelError, fmt.Sprintf(format, args...), nil)
}

// WithPrefix returns a new logger with the given prefix.
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level, fields: l.fields}
}

// With returns a new logger carrying the extra fields on every message.
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, fields: merged}
}

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

func (l *StandardLogger) enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	log.Printf("%s [%s] [%s] %s%s", timestamp, level, l.prefix, msg, l.formatFields(fields))
}

func (l *StandardLogger) formatFields(fields map[string]interface{}) string {
	if len(l.fields) == 0 && len(fields) == 0 {
		return ""
	}
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := ""
	for _, k := range keys {
		result += fmt.Sprintf(" %s=%v", k, merged[k])
	}
	return result
}

// NoopLogger is a logger that does nothing.
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger.
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger           { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }

func stringify(v interface{}) string { return fmt.Sprintf("%v", v) }
