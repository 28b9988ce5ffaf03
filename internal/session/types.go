// Package session tracks per-user, per-project conversations with Claude
// and persists them in memory or SQLite.
package session

import (
	"strings"
	"time"
)

// TempPrefix marks ids generated locally before Claude assigns a real one.
const TempPrefix = "temp_"

// ToolUse records one tool invocation made during a session.
type ToolUse struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is one user's continuity within one project directory.
type Session struct {
	ID           string
	UserID       int64
	ProjectPath  string
	CreatedAt    time.Time
	LastUsed     time.Time
	MessageCount int
	TotalCost    float64
	TotalTurns   int
	ToolsUsed    []ToolUse
	IsNew        bool // cleared once Claude assigns a real id
}

// IsExpired reports whether the session has been idle longer than
// timeoutHours.
func (s *Session) IsExpired(timeoutHours int) bool {
	return s.ExpiredAt(time.Now(), timeoutHours)
}

// ExpiredAt is IsExpired evaluated at now.
func (s *Session) ExpiredAt(now time.Time, timeoutHours int) bool {
	return now.Sub(s.LastUsed) > time.Duration(timeoutHours)*time.Hour
}

// Touch moves LastUsed forward to now. It never moves it back.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastUsed) {
		s.LastUsed = now
	}
}

// IsTemporary reports whether the id was generated locally.
func (s *Session) IsTemporary() bool {
	return strings.HasPrefix(s.ID, TempPrefix)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.ToolsUsed != nil {
		c.ToolsUsed = make([]ToolUse, len(s.ToolsUsed))
		copy(c.ToolsUsed, s.ToolsUsed)
	}
	return &c
}

// TurnResult is what a completed Claude turn reports back.
type TurnResult struct {
	SessionID string
	Cost      float64
	NumTurns  int
	ToolsUsed []ToolUse
}

// Summary aggregates a user's sessions.
type Summary struct {
	UserID         int64
	TotalSessions  int
	ActiveSessions int
	TotalMessages  int
	TotalTurns     int
	TotalCost      float64
	Projects       []string
}
