// Package log provides structured diagnostic logging.
// This file appends JSON events to log.jsonl.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Severity levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
)

// Event represents a single structured event written to the log.
type Event struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	SessionID string    `json:"session,omitempty"`
	Error     string    `json:"error,omitempty"`
	Count     int       `json:"count,omitempty"`
}

// Logger writes append-only JSONL events to a log file.
// All methods are best-effort: a failed write is silently dropped so
// diagnostics never break a hook invocation.
type Logger struct {
	path  string
	level string
	mu    sync.Mutex
}

// New creates a Logger writing to path at the given minimum level.
// Creates the parent directory if it does not already exist.
func New(path, level string) *Logger {
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	if level == "" {
		level = LevelInfo
	}
	return &Logger{path: path, level: level}
}

// Discard returns a Logger that drops everything. Used in tests and when
// no log path is configured.
func Discard() *Logger {
	return &Logger{path: "", level: LevelWarn}
}

var levelRank = map[string]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2}

// Append writes a single Event as one JSON line to the log file.
// If event.Time is the zero value, it is automatically set to time.Now().UTC().
// The file is opened in append mode, written to, and then closed.
// Thread-safe via mutex.
func (l *Logger) Append(event Event) error {
	if l.path == "" {
		return nil
	}
	if levelRank[event.Level] < levelRank[l.level] {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}

	return nil
}

// Debug records a debug-level event.
func (l *Logger) Debug(component, message string) {
	_ = l.Append(Event{Level: LevelDebug, Component: component, Message: message})
}

// Info records an info-level event.
func (l *Logger) Info(component, message string) {
	_ = l.Append(Event{Level: LevelInfo, Component: component, Message: message})
}

// Warn records a warn-level event with an optional error.
func (l *Logger) Warn(component, message string, err error) {
	e := Event{Level: LevelWarn, Component: component, Message: message}
	if err != nil {
		e.Error = err.Error()
	}
	_ = l.Append(e)
}

// ReadAll reads and parses all events from the log file.
// Returns an empty slice (not an error) if the file does not exist.
// Malformed lines are skipped.
func (l *Logger) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	return events, nil
}

// Path returns the log file location.
func (l *Logger) Path() string {
	return l.path
}
