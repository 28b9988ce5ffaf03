package facade

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/commands"
	"github.com/berth-dev/claudegram/internal/conversation"
	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/monitor"
	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/session"
	"github.com/berth-dev/claudegram/internal/testutil"
)

func TestMain(m *testing.M) {
	// regexp2 starts a process-wide clock for match timeouts.
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/dlclark/regexp2.runClock"))
}

// script replays one event list per call, repeating the last one.
type script struct {
	mu       sync.Mutex
	turns    [][]backend.Event
	requests []backend.Request
}

func (s *script) next(req backend.Request) []backend.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		return nil
	}
	evs := s.turns[0]
	if len(s.turns) > 1 {
		s.turns = s.turns[1:]
	}
	return evs
}

func (s *script) calls() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Request(nil), s.requests...)
}

func replay(evs []backend.Event) iter.Seq[backend.Event] {
	return func(yield func(backend.Event) bool) {
		for _, e := range evs {
			if !yield(e) {
				return
			}
		}
	}
}

type primaryBackend struct {
	script
	closes int
}

func (b *primaryBackend) Query(_ context.Context, _ int64, req backend.Request, _ backend.StreamCallback) iter.Seq[backend.Event] {
	return replay(b.next(req))
}

func (b *primaryBackend) Close(int64) error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	return nil
}

type fallbackBackend struct {
	script
	closeAll int
}

func (b *fallbackBackend) RunOnce(_ context.Context, _ int64, req backend.Request, _ backend.StreamCallback) iter.Seq[backend.Event] {
	return replay(b.next(req))
}

func (b *fallbackBackend) CloseAll(context.Context) int {
	b.closeAll++
	return 0
}

type harness struct {
	f        *Integration
	primary  *primaryBackend
	fallback *fallbackBackend
	sessions *session.Manager
	audit    *log.Memory
}

func newHarness(t *testing.T, allowed []string, exec *commands.Executor) *harness {
	t.Helper()
	h := &harness{
		primary:  &primaryBackend{},
		fallback: &fallbackBackend{},
		sessions: session.NewManager(session.NewMemoryStore(), session.Options{}, nil, nil),
		audit:    &log.Memory{},
	}
	coord := conversation.NewCoordinator(h.primary, h.sessions, nil, nil)
	h.f = New(Deps{
		Commands:      exec,
		Sessions:      h.sessions,
		Conversations: coord,
		Fallback:      h.fallback,
		Monitor:       monitor.New(allowed, security.DefaultRuleSet(), nil, nil),
		Audit:         h.audit,
		AllowedTools:  allowed,
		EnvDir:        t.TempDir(),
	})
	return h
}

func auditEvents(m *log.Memory) []string {
	var names []string
	for _, e := range m.Events() {
		names = append(names, e.Event)
	}
	return names
}

func TestRunPromotesSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventText, Content: "Hello"},
		{Type: backend.EventText, Content: "World"},
		{Type: backend.EventComplete, SessionID: "claude-abc", Cost: 0.02, NumTurns: 2},
	}}

	var streamed []backend.EventType
	resp, err := h.f.Run(context.Background(), Request{
		Prompt:     "hi",
		WorkingDir: "/work",
		UserID:     1,
		OnStream: func(e backend.Event) error {
			streamed = append(streamed, e.Type)
			return nil
		},
	})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Equal(t, "Hello\nWorld", resp.Content)
	assert.Equal(t, "claude-abc", resp.SessionID)
	assert.InDelta(t, 0.02, resp.Cost, 1e-9)
	assert.Equal(t, []backend.EventType{backend.EventText, backend.EventText, backend.EventComplete}, streamed)

	s, err := h.sessions.Get(context.Background(), "claude-abc")
	require.NoError(t, err)
	assert.False(t, s.IsNew)
	assert.Equal(t, 1, s.MessageCount)

	assert.Empty(t, h.primary.calls()[0].ResumeSessionID)
	assert.Empty(t, h.fallback.calls())
}

func TestRunStreamCallbackFailureIsIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventText, Content: "a"},
		{Type: backend.EventComplete, SessionID: "s1"},
	}}

	resp, err := h.f.Run(context.Background(), Request{
		Prompt: "x", WorkingDir: "/w", UserID: 1,
		OnStream: func(e backend.Event) error {
			if e.Type == backend.EventText {
				panic("renderer broke")
			}
			return errors.New("ignored")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Content)
}

func TestRunExpandsSlashCommand(t *testing.T) {
	root := testutil.TempProject(t, map[string]string{
		".claude/commands/speckit.specify.md": "Write a spec for: $ARGUMENTS",
	})
	exec := commands.NewExecutor(commands.NewStore(filepath.Join(root, ".claude", "commands"), nil), nil)
	h := newHarness(t, nil, exec)
	h.primary.turns = [][]backend.Event{{{Type: backend.EventComplete, SessionID: "s"}}}

	_, err := h.f.Run(context.Background(), Request{Prompt: "/speckit.specify add login", WorkingDir: root, UserID: 3})
	require.NoError(t, err)
	assert.Equal(t, "Write a spec for: add login", h.primary.calls()[0].Prompt)

	resp, err := h.f.Run(context.Background(), Request{Prompt: "/ralph-loop go", WorkingDir: root, UserID: 3, SessionID: "keep"})
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, ErrorTypeCommand, resp.ErrorType)
	assert.Equal(t, "keep", resp.SessionID)
	assert.Contains(t, resp.Content, "speckit.specify")
	assert.Len(t, h.primary.calls(), 1, "a failed expansion never reaches the backend")
}

func TestRunCriticalToolFailsFast(t *testing.T) {
	h := newHarness(t, []string{"Bash"}, nil)
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventToolUse, ToolName: "WebFetch"},
		{Type: backend.EventToolUse, ToolName: "Write", ToolInput: map[string]any{"file_path": "a.go"}},
		{Type: backend.EventText, Content: "never seen"},
	}}

	resp, err := h.f.Run(context.Background(), Request{Prompt: "x", WorkingDir: "/w", UserID: 1})
	assert.Nil(t, resp)
	var verr *ToolValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"WebFetch", "Write"}, verr.Blocked)
	assert.Equal(t, []string{"Bash"}, verr.Allowed)
	assert.Contains(t, verr.Message, "**Tool Access Blocked**")
	assert.Contains(t, verr.Message, "`WebFetch`, `Write`")
	assert.Contains(t, verr.Message, "CLAUDE_ALLOWED_TOOLS=")
	assert.Equal(t, 1, h.primary.closes, "the running client is closed")
	assert.Empty(t, h.fallback.calls(), "validation failures never fall back")
}

func TestRunNonCriticalBlockedTool(t *testing.T) {
	h := newHarness(t, []string{"Read", "Bash"}, nil)
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventToolUse, ToolName: "WebFetch"},
		{Type: backend.EventText, Content: "done anyway"},
		{Type: backend.EventComplete, SessionID: "s"},
	}}

	resp, err := h.f.Run(context.Background(), Request{Prompt: "x", WorkingDir: "/w", UserID: 1})
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, ErrorTypeToolValidation, resp.ErrorType)
	assert.Contains(t, resp.Content, "Claude tried to use tools not allowed:\n`WebFetch`")
	assert.Contains(t, resp.Content, "`Read`, `Bash`")
}

func TestRunDangerousCommandIsValidationFailure(t *testing.T) {
	h := newHarness(t, []string{"Bash"}, nil)
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventToolUse, ToolName: "Bash", ToolInput: map[string]any{"command": "rm -rf /"}},
		{Type: backend.EventComplete, SessionID: "s"},
	}}

	resp, err := h.f.Run(context.Background(), Request{Prompt: "x", WorkingDir: "/w", UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, ErrorTypeToolValidation, resp.ErrorType)
	assert.Contains(t, resp.Content, "Tool Validation Failed")
	assert.Contains(t, resp.Content, "Dangerous command blocked")
}

func TestRunFallsBackOnProcessFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.primary.turns = [][]backend.Event{
		{{Type: backend.EventError, ErrorType: "process_error", Content: "Claude process error: exit status 1"}},
		{{Type: backend.EventComplete, SessionID: "claude-2"}},
	}
	h.fallback.turns = [][]backend.Event{{
		{Type: backend.EventText, Content: "from subprocess"},
		{Type: backend.EventComplete, SessionID: "claude-1", Cost: 0.5},
	}}
	ctx := context.Background()

	resp, err := h.f.Run(ctx, Request{Prompt: "x", WorkingDir: "/w", UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "from subprocess", resp.Content)
	assert.Equal(t, "claude-1", resp.SessionID)
	assert.Equal(t, 1, h.f.FailureCount())
	assert.Equal(t, []string{log.EventFallbackStarted, log.EventFallbackSucceeded}, auditEvents(h.audit))

	fb := h.fallback.calls()
	require.Len(t, fb, 1)
	assert.Equal(t, "x", fb[0].Prompt)
	assert.Empty(t, fb[0].ResumeSessionID)

	_, err = h.f.Run(ctx, Request{Prompt: "y", WorkingDir: "/w", UserID: 1, SessionID: "claude-1"})
	require.NoError(t, err)
	assert.Zero(t, h.f.FailureCount(), "a primary success resets the counter")
	assert.Equal(t, "claude-1", h.primary.calls()[1].ResumeSessionID)
}

func TestRunSurfacesPrimaryErrorWhenBothFail(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.primary.turns = [][]backend.Event{{{Type: backend.EventError, ErrorType: "process_error", Content: "primary broke"}}}
	h.fallback.turns = [][]backend.Event{{{Type: backend.EventError, ErrorType: "cli_not_found", Content: "fallback broke"}}}

	resp, err := h.f.Run(context.Background(), Request{Prompt: "x", WorkingDir: "/w", UserID: 1})
	assert.Nil(t, resp)
	require.EqualError(t, err, "primary broke")
	var berr *BackendError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "process_error", berr.Type)

	events := h.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, log.EventFallbackFailed, events[1].Event)
	assert.Equal(t, "fallback broke", events[1].Data["fallback_error"])
}

func TestRunTimeoutDoesNotFallBack(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventText, Content: "partial"},
		{Type: backend.EventError, ErrorType: "timeout", Content: "Request timed out after 300s"},
	}}

	resp, err := h.f.Run(context.Background(), Request{Prompt: "x", WorkingDir: "/w", UserID: 1})
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, "timeout", resp.ErrorType)
	assert.Equal(t, "Request timed out after 300s", resp.Content)
	assert.Empty(t, h.fallback.calls())
}

func TestRunToolTimeoutContinues(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventToolUse, ToolName: "Bash", ToolInput: map[string]any{"command": "make"}},
		{Type: backend.EventError, ErrorType: "tool_timeout", Content: "Tool execution timed out after 60s"},
		{Type: backend.EventText, Content: "recovered"},
		{Type: backend.EventComplete, SessionID: "s"},
	}}

	resp, err := h.f.Run(context.Background(), Request{Prompt: "x", WorkingDir: "/w", UserID: 1})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Equal(t, "recovered", resp.Content)
	require.Len(t, resp.ToolsUsed, 1)
}

func TestContinueSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	resp, err := h.f.ContinueSession(ctx, 1, "/w", "more", nil)
	require.NoError(t, err)
	assert.Nil(t, resp)

	h.primary.turns = [][]backend.Event{{{Type: backend.EventComplete, SessionID: "real-1"}}}
	_, err = h.f.Run(ctx, Request{Prompt: "start", WorkingDir: "/w", UserID: 1})
	require.NoError(t, err)

	resp, err = h.f.ContinueSession(ctx, 1, "/w", "more", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "real-1", resp.SessionID)
	calls := h.primary.calls()
	assert.Equal(t, "real-1", calls[len(calls)-1].ResumeSessionID)
}

func TestNewSessionIsUsedByNextRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	h.primary.turns = [][]backend.Event{
		{{Type: backend.EventComplete, SessionID: "real-1"}},
		{{Type: backend.EventComplete, SessionID: "real-2"}},
	}
	_, err := h.f.Run(ctx, Request{Prompt: "one", WorkingDir: "/w", UserID: 1})
	require.NoError(t, err)

	fresh, err := h.f.NewSession(ctx, 1, "/w")
	require.NoError(t, err)
	assert.NotEqual(t, "real-1", fresh.SessionID)
	assert.Equal(t, 1, h.primary.closes, "the old client is dropped")

	resp, err := h.f.Run(ctx, Request{Prompt: "two", WorkingDir: "/w", UserID: 1, SessionID: fresh.SessionID})
	require.NoError(t, err)
	assert.Equal(t, "real-2", resp.SessionID)
	calls := h.primary.calls()
	assert.Empty(t, calls[len(calls)-1].ResumeSessionID)
}

func TestQueriesAndShutdown(t *testing.T) {
	h := newHarness(t, []string{"Read"}, nil)
	ctx := context.Background()
	h.primary.turns = [][]backend.Event{{
		{Type: backend.EventToolUse, ToolName: "Read", ToolInput: map[string]any{"file_path": "x.go"}},
		{Type: backend.EventComplete, SessionID: "real", Cost: 1.5, NumTurns: 4},
	}}
	_, err := h.f.Run(ctx, Request{Prompt: "p", WorkingDir: "/w", UserID: 9})
	require.NoError(t, err)

	infos, err := h.f.UserSessions(ctx, 9)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "real", infos[0].SessionID)
	assert.False(t, infos[0].Expired)

	info, err := h.f.SessionInfo(ctx, "real")
	require.NoError(t, err)
	assert.Equal(t, 4, info.TotalTurns)
	_, err = h.f.SessionInfo(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	sum, err := h.f.UserSummary(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalSessions)
	assert.InDelta(t, 1.5, sum.TotalCost, 1e-9)
	assert.Equal(t, 1, sum.TotalCalls)

	assert.Equal(t, 1, h.f.ToolStats().ByTool["Read"])

	require.NoError(t, h.f.Shutdown(ctx))
	assert.Equal(t, 1, h.fallback.closeAll)
}

func TestAdminInstructions(t *testing.T) {
	assert.Empty(t, AdminInstructions(nil, t.TempDir()))

	dir := t.TempDir()
	out := AdminInstructions([]string{"Read", "Custom"}, dir)
	assert.Contains(t, out, "1. Create a `.env` file")
	assert.Contains(t, out, `CLAUDE_ALLOWED_TOOLS="Read,Write,Edit,Bash,Glob,Grep,LS,Task,MultiEdit,NotebookRead,NotebookEdit,WebFetch,TodoRead,TodoWrite,WebSearch,Custom"`)
	assert.Contains(t, out, "allowed_tools:")
	assert.Contains(t, out, "- Custom")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("X=1\n"), 0o600))
	out = AdminInstructions([]string{"Custom"}, dir)
	assert.Contains(t, out, "add them to your `.env` file")
}

func TestToolErrorMessageWithoutAllowedTools(t *testing.T) {
	msg := ToolErrorMessage([]string{"Task"}, nil, "")
	assert.Contains(t, msg, "**Currently allowed tools:**\nNone")
}
