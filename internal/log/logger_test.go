package log

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".claudegram")
	l, err := NewLogger(dir)
	require.NoError(t, err)

	require.NoError(t, l.Append(LogEvent{Event: EventSecurityDenied, UserID: 42, Command: "rm -rf /", Decision: "deny"}))
	require.NoError(t, l.Append(LogEvent{Event: EventFallbackStarted, Error: "process exited"}))

	events, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, EventSecurityDenied, events[0].Event)
	assert.Equal(t, int64(42), events[0].UserID)
	assert.False(t, events[0].Time.IsZero(), "Append should stamp the time")
	assert.Equal(t, "process exited", events[1].Error)
}

func TestReadAllMissingFile(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	require.NoError(t, err)

	events, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadAllRejectsCorruptLine(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.Path(), []byte("{not json}\n"), 0644))

	_, err = l.ReadAll()
	assert.Error(t, err)
}

func TestAppendConcurrent(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.Append(LogEvent{Event: EventSessionCreated, UserID: int64(n)})
		}(i)
	}
	wg.Wait()

	events, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestMemoryAuditor(t *testing.T) {
	var m Memory
	var a Auditor = &m
	require.NoError(t, a.Append(LogEvent{Event: EventToolBlocked, Tool: "Write"}))

	events := m.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Write", events[0].Tool)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "", Truncate("abc", 0))

	got := Truncate("rm при", 4)
	assert.Equal(t, "rm п", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "🔥x", Truncate("🔥x", 2))
}

func TestNewZap(t *testing.T) {
	l, err := NewZap(true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1), "debug level should be enabled")
	assert.NotNil(t, OrNop(nil))
}
