// Package logging provides leveled console logging for the supervisor and
// its worker units. Lines are written as
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// and can be mirrored to a hook as structured entries, which is how a worker
// forwards its log output to the supervisor.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
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

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string into a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Entry is the structured form of one log line, handed to hooks.
type Entry struct {
	Level     Level                  `json:"level"`
	Time      time.Time              `json:"time"`
	Component string                 `json:"component,omitempty"`
	Account   string                 `json:"account,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// sink is shared by a logger and all loggers derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
	hook     func(Entry)
	now      func() time.Time
}

// Logger writes leveled lines to an output and an optional hook.
type Logger struct {
	sink      *sink
	component string
	account   string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo, now: time.Now}}
}

// Nop returns a logger that discards everything. Handy as a default.
func Nop() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError, now: time.Now}}
}

// WithComponent returns a derived logger tagged with the given component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, account: l.account}
}

// WithAccount returns a derived logger tagged with the managed account.
func (l *Logger) WithAccount(account string) *Logger {
	return &Logger{sink: l.sink, component: l.component, account: account}
}

// SetLevel sets the minimum log level for this logger and everything derived from it.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// SetHook registers a function receiving every emitted entry. nil removes it.
// The hook runs synchronously and must not log through the same logger.
func (l *Logger) SetHook(hook func(Entry)) {
	l.sink.mu.Lock()
	l.sink.hook = hook
	l.sink.mu.Unlock()
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

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if levelPriority[level] < levelPriority[s.minLevel] {
		return
	}

	now := s.now()
	var merged map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		merged = make(map[string]interface{}, len(fields[0])+1)
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.account != "" {
		if merged == nil {
			merged = make(map[string]interface{}, 1)
		}
		merged["account"] = l.account
	}

	timestamp := now.UTC().Format("2006-01-02T15:04:05.000Z")
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	s.output.Write([]byte(line))

	if s.hook != nil {
		s.hook(Entry{
			Level:     level,
			Time:      now,
			Component: l.component,
			Account:   l.account,
			Message:   msg,
			Fields:    merged,
		})
	}
}

// --- Event helpers ---

// SessionConnected logs a successful handshake on a fresh connection.
func (l *Logger) SessionConnected(endpoint string, attempt int) {
	l.Info("session_connected", map[string]interface{}{
		"endpoint": endpoint,
		"attempt":  attempt,
	})
}

// SessionLost logs a torn-down connection and how many calls were rejected.
func (l *Logger) SessionLost(reason string, rejected int) {
	l.Warn("session_lost", map[string]interface{}{
		"reason":   reason,
		"rejected": rejected,
	})
}

// CallFailed logs a failed remote call.
func (l *Logger) CallFailed(method string, seq int64, err error) {
	l.Debug("call_failed", map[string]interface{}{
		"method": method,
		"seq":    seq,
		"error":  err.Error(),
	})
}

// HeartbeatState logs a heartbeat state transition.
func (l *Logger) HeartbeatState(from, to string, misses int) {
	fields := map[string]interface{}{
		"from":   from,
		"to":     to,
		"misses": misses,
	}
	if to == "degraded" {
		l.Warn("heartbeat_state", fields)
		return
	}
	l.Debug("heartbeat_state", fields)
}

// TickComplete logs the end of a scheduled task run.
func (l *Logger) TickComplete(kind string, duration time.Duration, next time.Duration, err error) {
	fields := map[string]interface{}{
		"task":     kind,
		"duration": duration.String(),
		"next_in":  next.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("tick_failed", fields)
		return
	}
	l.Debug("tick_complete", fields)
}

// WorkerStarted logs a worker unit start.
func (l *Logger) WorkerStarted(account string, generation uint64) {
	l.Info("worker_started", map[string]interface{}{
		"worker":     account,
		"generation": generation,
	})
}

// WorkerExited logs an observed worker exit.
func (l *Logger) WorkerExited(account string, forced bool, rejected int) {
	l.Info("worker_exited", map[string]interface{}{
		"worker":   account,
		"forced":   forced,
		"rejected": rejected,
	})
}
