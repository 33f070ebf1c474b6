package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel converts a config string ("debug", "warn", ...) to a Level.
// Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger emits structured JSON log lines with automatic email redaction.
// Recipient addresses are PII and must never land in logs verbatim.
type Logger struct {
	level     Level
	component string
	redactPII bool

	mu  *sync.Mutex
	out io.Writer
}

var defaultLogger = &Logger{
	level:     INFO,
	redactPII: true,
	mu:        &sync.Mutex{},
	out:       os.Stderr,
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level = l }

// SetRedactPII enables or disables email redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.redactPII = r }

// Component returns a logger that stamps every entry with a component name.
// It shares the default logger's output, level and redaction settings.
func Component(name string) *Logger {
	l := *defaultLogger
	l.component = name
	return &l
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...any) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...any) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...any) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...any) { defaultLogger.log(ERROR, msg, fields...) }

// Debug emits a DEBUG-level entry on this logger.
func (l *Logger) Debug(msg string, fields ...any) { l.log(DEBUG, msg, fields...) }

// Info emits an INFO-level entry on this logger.
func (l *Logger) Info(msg string, fields ...any) { l.log(INFO, msg, fields...) }

// Warn emits a WARN-level entry on this logger.
func (l *Logger) Warn(msg string, fields ...any) { l.log(WARN, msg, fields...) }

// Error emits an ERROR-level entry on this logger.
func (l *Logger) Error(msg string, fields ...any) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...any) {
	if level < l.level {
		return
	}

	entry := map[string]any{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}

	// Fields come as alternating key/value pairs.
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fields[i+1]
		if s, ok := val.(string); ok && l.redactPII {
			entry[key] = redactValue(key, s)
		} else {
			entry[key] = val
		}
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}
