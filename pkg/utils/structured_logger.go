package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat maps "text" or "json" to a LogFormat.
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", s)
	}
}

// Fields is a set of structured logging fields.
type Fields map[string]interface{}

// LogEntry represents a complete log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

// root holds what every logger derived from one NewStructuredLogger call
// shares: the writer, the global level and the per-component overrides.
// Changing a level on any derived logger changes it for all of them.
type root struct {
	writeMu sync.Mutex
	output  io.Writer
	format  LogFormat

	level atomic.Int32

	levelsMu        sync.RWMutex
	componentLevels map[string]LogLevel
}

// StructuredLogger writes leveled entries carrying a fixed set of context
// fields. Derived loggers (WithField, WithComponent) are cheap copies that
// share the root.
type StructuredLogger struct {
	root          *root
	component     string
	contextFields map[string]interface{}
	includeCaller bool
	includeStack  bool // Only for ERROR and FATAL
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	IncludeStack  bool
	// ComponentLevels overrides Level for loggers tagged with a component,
	// e.g. {"quic.cc": DEBUG}
	ComponentLevels map[string]LogLevel
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stderr,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Output == nil {
		return nil, fmt.Errorf("logger output is nil")
	}

	r := &root{
		output:          config.Output,
		format:          config.Format,
		componentLevels: make(map[string]LogLevel, len(config.ComponentLevels)),
	}
	r.level.Store(int32(config.Level))
	for c, l := range config.ComponentLevels {
		r.componentLevels[c] = l
	}

	return &StructuredLogger{
		root:          r,
		contextFields: map[string]interface{}{},
		includeCaller: config.IncludeCaller,
		includeStack:  config.IncludeStack,
	}, nil
}

// NopLogger returns a logger that discards everything.
func NopLogger() *StructuredLogger {
	r := &root{output: io.Discard, componentLevels: map[string]LogLevel{}}
	r.level.Store(int32(FATAL + 1))
	return &StructuredLogger{root: r, contextFields: map[string]interface{}{}}
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(Fields{key: value})
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields Fields) *StructuredLogger {
	merged := make(map[string]interface{}, len(sl.contextFields)+len(fields))
	for k, v := range sl.contextFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	child := *sl
	child.contextFields = merged
	return &child
}

// WithComponent returns a logger tagged with component. The tag selects
// the component level override and is written as the "component" field.
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	child := sl.WithField("component", component)
	child.component = component
	return child
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.root.levelsMu.Lock()
	defer sl.root.levelsMu.Unlock()
	sl.root.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.root.level.Store(int32(level))
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	return LogLevel(sl.root.level.Load())
}

// Enabled reports whether a message at level would be written.
func (sl *StructuredLogger) Enabled(level LogLevel) bool {
	if sl.component != "" {
		sl.root.levelsMu.RLock()
		compLevel, ok := sl.root.componentLevels[sl.component]
		sl.root.levelsMu.RUnlock()
		if ok {
			return level >= compLevel
		}
	}
	return level >= sl.GetLevel()
}

func (sl *StructuredLogger) log(level LogLevel, message string, fields Fields) {
	if !sl.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    make(map[string]interface{}, len(fields)+len(sl.contextFields)),
	}

	for k, v := range sl.contextFields {
		entry.Fields[k] = v
	}

	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry.Fields[k] = v
	}

	if sl.includeCaller {
		if _, file, line, ok := runtime.Caller(3); ok {
			parts := strings.Split(file, "/")
			entry.Caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
		}
	}

	if sl.includeStack && (level == ERROR || level == FATAL) {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		entry.Stack = string(buf[:n])
	}

	var output string
	if sl.root.format == FormatJSON {
		jsonBytes, err := json.Marshal(entry)
		if err != nil {
			output = formatText(entry)
		} else {
			output = string(jsonBytes) + "\n"
		}
	} else {
		output = formatText(entry)
	}

	sl.root.writeMu.Lock()
	defer sl.root.writeMu.Unlock()
	_, _ = io.WriteString(sl.root.output, output)
}

// formatText formats a log entry as human-readable text with sorted fields.
func formatText(entry LogEntry) string {
	var sb strings.Builder

	sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(entry.Level)
	sb.WriteString("] ")

	if entry.Caller != "" {
		sb.WriteString("[")
		sb.WriteString(entry.Caller)
		sb.WriteString("] ")
	}

	sb.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(fmt.Sprintf("%v", entry.Fields[k]))
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")

	if entry.Stack != "" {
		sb.WriteString("Stack trace:\n")
		sb.WriteString(entry.Stack)
		sb.WriteString("\n")
	}

	return sb.String()
}

// Trace logs a trace message
func (sl *StructuredLogger) Trace(message string, fields ...Fields) {
	sl.logWithFields(TRACE, message, fields...)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...Fields) {
	sl.logWithFields(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...Fields) {
	sl.logWithFields(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...Fields) {
	sl.logWithFields(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...Fields) {
	sl.logWithFields(ERROR, message, fields...)
}

func (sl *StructuredLogger) logWithFields(level LogLevel, message string, fieldMaps ...Fields) {
	var fields Fields
	if len(fieldMaps) > 0 {
		fields = fieldMaps[0]
	}
	sl.log(level, message, fields)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.logf(DEBUG, format, args...)
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.logf(INFO, format, args...)
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.logf(WARN, format, args...)
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.logf(ERROR, format, args...)
}

func (sl *StructuredLogger) logf(level LogLevel, format string, args ...interface{}) {
	if !sl.Enabled(level) {
		return
	}
	sl.log(level, fmt.Sprintf(format, args...), nil)
}
