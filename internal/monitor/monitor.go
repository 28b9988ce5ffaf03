// Package monitor validates the tool calls Claude makes and keeps usage
// statistics per tool and per user.
package monitor

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/security"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindNotAllowed Kind = "not_allowed"
	KindDangerous  Kind = "dangerous_command"
	KindPath       Kind = "path_outside_directory"
)

// ValidationError is a rejected tool call.
type ValidationError struct {
	Tool   string
	Kind   Kind
	Detail string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindNotAllowed:
		return "Tool not allowed: " + e.Tool
	case KindPath:
		return fmt.Sprintf("Path outside working directory: %s", e.Detail)
	}
	return e.Detail
}

// pathKeys lists the input keys that name files, per tool.
var pathKeys = map[string][]string{
	"Read":         {"file_path"},
	"Write":        {"file_path"},
	"Edit":         {"file_path"},
	"MultiEdit":    {"file_path"},
	"NotebookRead": {"notebook_path"},
	"NotebookEdit": {"notebook_path"},
	"LS":           {"path"},
	"Glob":         {"path"},
	"Grep":         {"path"},
}

// Stats summarizes tool usage across all users.
type Stats struct {
	TotalCalls         int            `json:"total_calls"`
	ByTool             map[string]int `json:"by_tool"`
	Blocked            map[string]int `json:"blocked"`
	SecurityViolations int            `json:"security_violations"`
}

// UserUsage summarizes one user's tool calls.
type UserUsage struct {
	TotalCalls int            `json:"total_tool_calls"`
	ByTool     map[string]int `json:"tools_by_name"`
	Blocked    int            `json:"blocked_tool_calls"`
}

// Monitor checks tool calls against an allow-list, the security rules and
// the working directory.
type Monitor struct {
	allowed []string
	rules   *security.RuleSet
	logger  *zap.Logger
	audit   log.Auditor

	mu         sync.Mutex
	calls      map[string]int
	blocked    map[string]int
	violations int
	users      map[int64]*UserUsage
}

// New returns a Monitor. An empty allow-list permits every tool; a nil rule
// set skips command inspection.
func New(allowed []string, rules *security.RuleSet, logger *zap.Logger, audit log.Auditor) *Monitor {
	return &Monitor{
		allowed: slices.Clone(allowed),
		rules:   rules,
		logger:  log.OrNop(logger),
		audit:   audit,
		calls:   make(map[string]int),
		blocked: make(map[string]int),
		users:   make(map[int64]*UserUsage),
	}
}

// Allowed returns the configured allow-list.
func (m *Monitor) Allowed() []string {
	return slices.Clone(m.allowed)
}

// Validate checks one tool call. It returns nil or a *ValidationError.
func (m *Monitor) Validate(_ context.Context, tool string, input map[string]any, workDir string, userID int64) error {
	err := m.check(tool, input, workDir)
	m.count(tool, userID, err)
	if err == nil {
		return nil
	}

	m.logger.Warn("tool call rejected",
		zap.String("tool", tool),
		zap.Int64("user_id", userID),
		zap.Error(err),
	)
	if m.audit != nil {
		_ = m.audit.Append(log.LogEvent{
			Event:  log.EventToolBlocked,
			UserID: userID,
			Tool:   tool,
			Reason: err.Error(),
		})
	}
	return err
}

func (m *Monitor) check(tool string, input map[string]any, workDir string) *ValidationError {
	if len(m.allowed) > 0 && !slices.Contains(m.allowed, tool) {
		return &ValidationError{Tool: tool, Kind: KindNotAllowed}
	}

	if tool == security.ShellTool && m.rules != nil {
		cmd, _ := input["command"].(string)
		if match, ok := m.rules.Match(cmd); ok && match.Rule.Action == security.ActionDeny {
			return &ValidationError{
				Tool:   tool,
				Kind:   KindDangerous,
				Detail: "Dangerous command blocked: " + match.Rule.Description,
			}
		}
	}

	if workDir == "" {
		return nil
	}
	for _, key := range pathKeys[tool] {
		p, _ := input[key].(string)
		if p == "" {
			continue
		}
		if !within(workDir, p) {
			return &ValidationError{Tool: tool, Kind: KindPath, Detail: p}
		}
	}
	return nil
}

// within reports whether p resolves inside dir. Relative paths are taken
// relative to dir.
func within(dir, p string) bool {
	dir = filepath.Clean(dir)
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	rel, err := filepath.Rel(dir, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (m *Monitor) count(tool string, userID int64, err *ValidationError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[tool]++
	u := m.users[userID]
	if u == nil {
		u = &UserUsage{ByTool: make(map[string]int)}
		m.users[userID] = u
	}
	u.TotalCalls++
	u.ByTool[tool]++

	if err == nil {
		return
	}
	m.blocked[tool]++
	u.Blocked++
	if err.Kind != KindNotAllowed {
		m.violations++
	}
}

// Stats returns a snapshot of tool usage.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return Stats{
		TotalCalls:         total,
		ByTool:             maps.Clone(m.calls),
		Blocked:            maps.Clone(m.blocked),
		SecurityViolations: m.violations,
	}
}

// UserUsage returns a snapshot of one user's tool usage.
func (m *Monitor) UserUsage(userID int64) UserUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	if u == nil {
		return UserUsage{ByTool: map[string]int{}}
	}
	return UserUsage{TotalCalls: u.TotalCalls, ByTool: maps.Clone(u.ByTool), Blocked: u.Blocked}
}
