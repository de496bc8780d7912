// Package logging provides real-time console output for monitoring. The
// audit log is THE forensic record; this package only mirrors interesting
// moments to stdout so an operator can watch a zone live.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides leveled key=value logging.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	zone      string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger scoped to the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		zone:      l.zone,
	}
}

// WithZone returns a new logger tagged with the given zone name.
func (l *Logger) WithZone(zone string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		zone:      zone,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a line: LEVEL TIMESTAMP [zone/component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	scope := l.component
	if l.zone != "" {
		if scope != "" {
			scope = l.zone + "/" + scope
		} else {
			scope = l.zone
		}
	}

	var line string
	if scope != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, scope, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Domain helpers ---
// Called next to audit writes; console mirrors, never replaces, the trail.

// Transition logs a bucket move.
func (l *Logger) Transition(taskID, from, to, actor string) {
	l.Info("transition", map[string]interface{}{
		"task":  taskID,
		"from":  from,
		"to":    to,
		"actor": actor,
	})
}

// ExternalCall logs the outcome of a collaborator call.
func (l *Logger) ExternalCall(endpoint string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"endpoint":    endpoint,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("external_call", fields)
		return
	}
	l.Debug("external_call", fields)
}

// WatcherState logs a supervisor-observed watcher state change.
func (l *Logger) WatcherState(name, state string, restarts int) {
	l.Info("watcher_state", map[string]interface{}{
		"watcher":  name,
		"state":    state,
		"restarts": restarts,
	})
}

// SyncCycle logs the result of one reconciliation cycle.
func (l *Logger) SyncCycle(pulled, pushed, conflicts int, err error) {
	fields := map[string]interface{}{
		"pulled":    pulled,
		"pushed":    pushed,
		"conflicts": conflicts,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("sync_cycle", fields)
		return
	}
	l.Info("sync_cycle", fields)
}
