// Package log provides the append-only audit trail and the diagnostic
// zap logger used across claudegram.
// This file appends JSON audit events to audit.jsonl.
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

// Event type constants.
const (
	EventSecurityDenied      = "security_denied"
	EventSecurityConfirm     = "security_confirm"
	EventToolBlocked         = "tool_blocked"
	EventFallbackStarted     = "fallback_started"
	EventFallbackSucceeded   = "fallback_succeeded"
	EventFallbackFailed      = "fallback_failed"
	EventSessionCreated      = "session_created"
	EventSessionExpired      = "session_expired"
	EventConversationStopped = "conversation_stopped"
)

// LogEvent represents a single structured event written to the audit log.
type LogEvent struct {
	Time      time.Time      `json:"time"`
	Event     string         `json:"event"`
	UserID    int64          `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Command   string         `json:"command,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Count     int            `json:"count,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Auditor is the sink security and fallback decisions are recorded to.
type Auditor interface {
	Append(event LogEvent) error
}

// Logger writes append-only JSONL events to a log file.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a Logger that writes to audit.jsonl inside dataDir.
// Creates dataDir if it does not already exist.
// Does not truncate an existing log file.
func NewLogger(dataDir string) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return &Logger{
		path: filepath.Join(dataDir, "audit.jsonl"),
	}, nil
}

// Path returns the log file location.
func (l *Logger) Path() string {
	return l.path
}

// Append writes a single LogEvent as one JSON line to the log file.
// If event.Time is the zero value, it is automatically set to time.Now().UTC().
// Thread-safe via mutex.
func (l *Logger) Append(event LogEvent) error {
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

// ReadAll reads and parses all events from the log file.
// Returns an empty slice (not an error) if the file does not exist.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	return events, nil
}

// Memory is an in-process Auditor, used when the audit file is disabled
// and in tests.
type Memory struct {
	mu     sync.Mutex
	events []LogEvent
}

// Append records event.
func (m *Memory) Append(event LogEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []LogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEvent, len(m.events))
	copy(out, m.events)
	return out
}
