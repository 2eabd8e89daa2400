// Package logging writes the bridge's debug log. Logging is off unless LIVEGEN_DEBUG=1 is set or
// ~/.livegen/debug exists; errors always reach stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// keepLogs is how many log files survive a new bridge start.
const keepLogs = 20

// Fields ties a log line to the bridge request and the generation run it concerns.
type Fields struct {
	RequestID string
	Target    string
	RunID     string
}

// String renders the non-empty fields as key=value pairs.
func (f Fields) String() string {
	var parts []string
	if f.RequestID != "" {
		parts = append(parts, "req="+f.RequestID)
	}
	if f.Target != "" {
		parts = append(parts, "target="+f.Target)
	}
	if f.RunID != "" {
		parts = append(parts, "run="+f.RunID)
	}
	return strings.Join(parts, " ")
}

// Logger writes timestamped lines to the debug log file.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	file    *os.File
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the process-wide logger, opening the log file on first use.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{}
		defaultLogger.open()
	})
	return defaultLogger
}

// New returns an enabled logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{out: w, enabled: true}
}

// debugReason reports why debug logging is on, or "" when it is off.
func debugReason(home string) string {
	if os.Getenv("LIVEGEN_DEBUG") == "1" {
		return "LIVEGEN_DEBUG=1"
	}
	if _, err := os.Stat(filepath.Join(home, ".livegen", "debug")); err == nil {
		return "~/.livegen/debug exists"
	}
	return ""
}

func (l *Logger) open() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livegen log: no home directory: %v\n", err)
		return
	}
	reason := debugReason(home)
	if reason == "" {
		return
	}

	dir := filepath.Join(home, ".livegen", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "livegen log: create %s: %v\n", dir, err)
		return
	}
	prune(dir, keepLogs-1)

	path := filepath.Join(dir, "livegen-"+time.Now().Format("2006-01-02_15-04-05")+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livegen log: open %s: %v\n", path, err)
		return
	}

	l.file, l.out, l.enabled = file, file, true
	l.logf("INFO", "Logging to %s (%s)", path, reason)
}

// prune deletes the oldest livegen-*.log files in dir so that at most keep remain. File names
// sort by their timestamp.
func prune(dir string, keep int) {
	logs, err := filepath.Glob(filepath.Join(dir, "livegen-*.log"))
	if err != nil || len(logs) <= keep {
		return
	}
	sort.Strings(logs)
	for _, old := range logs[:len(logs)-keep] {
		os.Remove(old)
	}
}

// Enabled reports whether debug logging is on.
func (l *Logger) Enabled() bool {
	return l.enabled
}

func (l *Logger) logf(level, format string, args ...any) {
	if l.out == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s [livegen]: %s\n", time.Now().Format("15:04:05.000"), level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) {
	if l.enabled {
		l.logf("DEBUG", format, args...)
	}
}

func (l *Logger) Info(format string, args ...any) {
	if l.enabled {
		l.logf("INFO", format, args...)
	}
}

// Error logs to stderr and, when enabled, to the log file.
func (l *Logger) Error(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "livegen error: %s\n", fmt.Sprintf(format, args...))
	if l.enabled {
		l.logf("ERROR", format, args...)
	}
}

// Request logs a bridge request line.
func (l *Logger) Request(action string, f Fields, raw string) {
	if l.enabled {
		l.logf("REQ", "%s: %s", label(action, f), truncate(raw, 500))
	}
}

// Response logs an outgoing bridge line. Display and file notifications repeat the whole
// projection, so only their size is recorded.
func (l *Logger) Response(msgType string, f Fields, size int) {
	if l.enabled {
		l.logf("RESP", "%s (%d bytes)", label(msgType, f), size)
	}
}

// Stream logs one SSE event of a generation run.
func (l *Logger) Stream(runID, eventType, data string) {
	if l.enabled {
		l.logf("STREAM", "run=%s %s: %s", runID, eventType, truncate(data, 200))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}

func label(name string, f Fields) string {
	if fs := f.String(); fs != "" {
		return name + " " + fs
	}
	return name
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
