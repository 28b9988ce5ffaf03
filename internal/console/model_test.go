package console

import (
	"context"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/facade"
)

type fakeClaude struct {
	mu   sync.Mutex
	reqs []facade.Request
	resp *facade.Response
	err  error
}

func (c *fakeClaude) Run(_ context.Context, req facade.Request) (*facade.Response, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	if req.OnStream != nil {
		_ = req.OnStream(backend.Event{Type: backend.EventToolUse, ToolName: "Grep"})
	}
	return c.resp, c.err
}

func (c *fakeClaude) NewSession(context.Context, int64, string) (*facade.SessionInfo, error) {
	return &facade.SessionInfo{SessionID: "temp_new"}, nil
}

type fakeStopper struct{ stops int }

func (s *fakeStopper) Stop(int64) bool {
	s.stops++
	return true
}

func typeText(m Model, text string) Model {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return next.(Model)
}

// enter submits the textarea and returns the commands of the batch.
func enter(t *testing.T, m Model) (Model, []tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		return next.(Model), nil
	}
	batch, ok := cmd().(tea.BatchMsg)
	require.True(t, ok)
	return next.(Model), batch
}

func TestSubmitStreamsAndShowsReply(t *testing.T) {
	claude := &fakeClaude{resp: &facade.Response{Content: "Found 3 matches", SessionID: "claude-7", Cost: 0.01, NumTurns: 2}}
	m := New(context.Background(), claude, &fakeStopper{}, 42, "/srv/app")

	m = typeText(m, "find TODOs")
	m, cmds := enter(t, m)
	require.Len(t, cmds, 3)
	assert.True(t, m.waiting)

	// The run command reports through the channel and returns nothing itself.
	assert.Nil(t, cmds[0]())

	msg := cmds[1]()
	stream, ok := msg.(streamMsg)
	require.True(t, ok)
	next, cmd := m.Update(stream)
	m = next.(Model)
	assert.Equal(t, []string{"Grep"}, m.toolCalls)
	assert.Contains(t, m.View(), "1 tool calls")

	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.False(t, m.waiting)
	assert.Equal(t, "claude-7", m.sessionID)
	require.Len(t, m.entries, 3)
	assert.Equal(t, entry{role: "user", text: "find TODOs"}, m.entries[0])
	assert.Equal(t, entry{role: "assistant", text: "Found 3 matches"}, m.entries[1])
	assert.Equal(t, "$0.0100, 2 turns", m.entries[2].text)

	require.Len(t, claude.reqs, 1)
	assert.Equal(t, int64(42), claude.reqs[0].UserID)
	assert.Equal(t, "/srv/app", claude.reqs[0].WorkingDir)
	assert.Empty(t, claude.reqs[0].SessionID)
}

func TestErrorIsShownAsSystemLine(t *testing.T) {
	claude := &fakeClaude{err: errors.New("both paths failed")}
	m := New(context.Background(), claude, nil, 1, "/w")
	m = typeText(m, "hi")
	m, cmds := enter(t, m)
	cmds[0]()
	next, cmd := m.Update(cmds[1]())
	next, _ = next.(Model).Update(cmd())
	m = next.(Model)

	last := m.entries[len(m.entries)-1]
	assert.Equal(t, "system", last.role)
	assert.Equal(t, "Error: both paths failed", last.text)
}

func TestNewAndStopCommands(t *testing.T) {
	stopper := &fakeStopper{}
	m := New(context.Background(), &fakeClaude{}, stopper, 1, "/w")

	m = typeText(m, "/new")
	m, cmds := enter(t, m)
	assert.Nil(t, cmds)
	assert.Equal(t, "temp_new", m.sessionID)

	m = typeText(m, "/stop")
	m, _ = enter(t, m)
	assert.Equal(t, 1, stopper.stops)
	assert.Equal(t, "Stopped.", m.entries[len(m.entries)-1].text)
}

func TestEmptyInputIsIgnored(t *testing.T) {
	m := New(context.Background(), &fakeClaude{}, nil, 1, "/w")
	m, cmds := enter(t, m)
	assert.Nil(t, cmds)
	assert.Empty(t, m.entries)
}

func TestQuitStopsRunningRequest(t *testing.T) {
	stopper := &fakeStopper{}
	m := New(context.Background(), &fakeClaude{}, stopper, 1, "/w")
	m.waiting = true
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Equal(t, 1, stopper.stops)
}
