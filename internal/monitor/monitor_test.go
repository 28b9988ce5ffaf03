package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/security"
)

func TestValidate(t *testing.T) {
	m := New([]string{"Read", "Write", "Bash"}, security.DefaultRuleSet(), nil, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		tool  string
		input map[string]any
		kind  Kind
	}{
		{name: "allowed read", tool: "Read", input: map[string]any{"file_path": "/work/app/main.go"}},
		{name: "relative path", tool: "Write", input: map[string]any{"file_path": "pkg/x.go"}},
		{name: "not allowed", tool: "WebFetch", input: nil, kind: KindNotAllowed},
		{name: "escape", tool: "Read", input: map[string]any{"file_path": "/etc/passwd"}, kind: KindPath},
		{name: "dot-dot escape", tool: "Write", input: map[string]any{"file_path": "../other/x.go"}, kind: KindPath},
		{name: "safe shell", tool: "Bash", input: map[string]any{"command": "go test ./..."}},
		{name: "denied shell", tool: "Bash", input: map[string]any{"command": "rm -rf /"}, kind: KindDangerous},
		{name: "confirm rule is not a failure", tool: "Bash", input: map[string]any{"command": "git reset --hard"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Validate(ctx, tt.tool, tt.input, "/work/app", 1)
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.kind, verr.Kind)
		})
	}
}

func TestNotAllowedMessage(t *testing.T) {
	m := New([]string{"Read"}, nil, nil, nil)
	err := m.Validate(context.Background(), "Task", nil, "", 1)
	assert.EqualError(t, err, "Tool not allowed: Task")
}

func TestEmptyAllowListPermitsEverything(t *testing.T) {
	m := New(nil, nil, nil, nil)
	assert.NoError(t, m.Validate(context.Background(), "Anything", nil, "", 1))
}

func TestStatsAndAudit(t *testing.T) {
	audit := &log.Memory{}
	m := New([]string{"Read", "Bash"}, security.DefaultRuleSet(), nil, audit)
	ctx := context.Background()

	_ = m.Validate(ctx, "Read", map[string]any{"file_path": "a.go"}, "/w", 1)
	_ = m.Validate(ctx, "Read", map[string]any{"file_path": "b.go"}, "/w", 2)
	_ = m.Validate(ctx, "Edit", nil, "/w", 1)
	_ = m.Validate(ctx, "Bash", map[string]any{"command": "mkfs.ext4 /dev/sda1"}, "/w", 1)

	stats := m.Stats()
	assert.Equal(t, 4, stats.TotalCalls)
	assert.Equal(t, map[string]int{"Read": 2, "Edit": 1, "Bash": 1}, stats.ByTool)
	assert.Equal(t, map[string]int{"Edit": 1, "Bash": 1}, stats.Blocked)
	assert.Equal(t, 1, stats.SecurityViolations)

	u := m.UserUsage(1)
	assert.Equal(t, 3, u.TotalCalls)
	assert.Equal(t, 2, u.Blocked)
	assert.Equal(t, 0, m.UserUsage(42).TotalCalls)

	events := audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, log.EventToolBlocked, events[0].Event)
	assert.Equal(t, "Edit", events[0].Tool)
}
