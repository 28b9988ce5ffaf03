package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRendersPlainWhenPiped(t *testing.T) {
	tbl := &Table{Headers: []string{"ID", "PROJECT", "COST"}}
	tbl.AddRow("claude-1", "/srv/app", "$0.0100")
	tbl.AddRow("temp_2", "/srv/app")

	var buf bytes.Buffer
	require.NoError(t, tbl.Render(&buf))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"ID\tPROJECT\tCOST",
		"claude-1\t/srv/app\t$0.0100",
		"temp_2\t/srv/app",
	}, lines)
	assert.False(t, IsTTY(&buf))
}

func TestStyledTableAlignsColumns(t *testing.T) {
	tbl := &Table{Headers: []string{"A", "B"}}
	tbl.AddRow("long-value", "x")
	out := tbl.renderStyled()

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	header := lipgloss.Width(lines[0][:strings.Index(lines[0], "B")])
	row := lipgloss.Width(lines[1][:strings.Index(lines[1], "x")])
	assert.Equal(t, header, row)
	assert.Equal(t, 12, row)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "never", FormatAge(time.Time{}, now))
	assert.Equal(t, "5m0s ago", FormatAge(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3d ago", FormatAge(now.Add(-75*time.Hour), now))
	assert.Equal(t, "0s ago", FormatAge(now.Add(time.Minute), now))
	assert.Equal(t, "$1.2500", FormatCost(1.25))
}
