package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClaude writes an executable shell script standing in for claude.
func fakeClaude(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const interactiveScript = `
n=0
while IFS= read -r line; do
  n=$((n+1))
  echo '{"type":"system","subtype":"init","session_id":"s-1"}'
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"turn '$n'"}]}}'
  echo '{"type":"result","subtype":"success","session_id":"s-1","total_cost_usd":0.01,"num_turns":1}'
done
`

func receiveAll(t *testing.T, c Client) []Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msgs []Message
	for m, err := range c.Receive(ctx) {
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

func TestCLIClientTurns(t *testing.T) {
	cli := NewCLI(fakeClaude(t, interactiveScript), "", nil)
	require.True(t, cli.Available())

	c, err := cli.Open(context.Background(), Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, "first"))
	msgs := receiveAll(t, c)
	require.Len(t, msgs, 2)
	assert.Equal(t, TextMessage{Text: "turn 1"}, msgs[0])
	assert.Equal(t, "s-1", msgs[1].(CompleteMessage).SessionID)

	require.NoError(t, c.Send(ctx, "second"))
	msgs = receiveAll(t, c)
	assert.Equal(t, TextMessage{Text: "turn 2"}, msgs[0])
}

func TestCLIClientSkipsAbandonedTurn(t *testing.T) {
	cli := NewCLI(fakeClaude(t, interactiveScript), "", nil)
	c, err := cli.Open(context.Background(), Options{})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, "abandoned"))
	require.NoError(t, c.Send(ctx, "current"))

	msgs := receiveAll(t, c)
	require.Len(t, msgs, 2)
	assert.Equal(t, TextMessage{Text: "turn 2"}, msgs[0], "output of the abandoned turn is dropped")
}

func TestCLIClientProcessExit(t *testing.T) {
	cli := NewCLI(fakeClaude(t, "read line\necho 'bad credentials' >&2\nexit 3\n"), "", nil)
	c, err := cli.Open(context.Background(), Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), "hi"))

	var gotErr error
	for _, err := range c.Receive(context.Background()) {
		gotErr = err
	}
	var procErr *ProcessError
	require.ErrorAs(t, gotErr, &procErr)
	assert.Equal(t, 3, procErr.ExitCode)
	assert.Contains(t, procErr.Stderr, "bad credentials")
}

func TestCLIClientClose(t *testing.T) {
	cli := NewCLI(fakeClaude(t, interactiveScript), "", nil)
	c, err := cli.Open(context.Background(), Options{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")
	assert.ErrorIs(t, c.Send(context.Background(), "late"), ErrClosed)
}

func TestCLIRunOnce(t *testing.T) {
	script := `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"'"$2"'"}]}}'
echo '{"type":"result","subtype":"success","session_id":"once","num_turns":1}'
`
	cli := NewCLI(fakeClaude(t, script), "", nil)

	var msgs []Message
	for m, err := range cli.RunOnce(context.Background(), "ping", Options{}) {
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	require.Len(t, msgs, 2)
	assert.Equal(t, TextMessage{Text: "ping"}, msgs[0])
}

func TestCLIRunOnceFailure(t *testing.T) {
	cli := NewCLI(fakeClaude(t, "echo oops >&2\nexit 1\n"), "", nil)

	var gotErr error
	for _, err := range cli.RunOnce(context.Background(), "ping", Options{}) {
		gotErr = err
	}
	var procErr *ProcessError
	require.ErrorAs(t, gotErr, &procErr)
	assert.Equal(t, 1, procErr.ExitCode)
}

func TestCLINotFound(t *testing.T) {
	cli := NewCLI(filepath.Join(t.TempDir(), "missing-claude"), "", nil)
	assert.False(t, cli.Available())

	_, err := cli.Open(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrCLINotFound)
}
