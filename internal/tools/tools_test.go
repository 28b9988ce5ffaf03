package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	text     string
	mode     string
	keyboard [][]Button
	edit     int
	file     string
	data     string
}

type fakeRenderer struct {
	mu   sync.Mutex
	out  []sent
	next int
	fail error
}

func (f *fakeRenderer) SendMessage(_ context.Context, text, mode string, kb [][]Button) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	f.next++
	f.out = append(f.out, sent{text: text, mode: mode, keyboard: kb})
	return f.next, nil
}

func (f *fakeRenderer) SendDocument(_ context.Context, name string, data []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.out = append(f.out, sent{file: name, data: string(data), text: caption})
	return nil
}

func (f *fakeRenderer) EditMessage(_ context.Context, id int, text, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{edit: id, text: text, mode: mode})
	return nil
}

func setup(t *testing.T) (*Registry, *Telegram, *fakeRenderer, context.Context) {
	t.Helper()
	r := &fakeRenderer{}
	tg := NewTelegram(func(userID int64) Renderer {
		if userID == 5 {
			return r
		}
		return nil
	}, nil)
	reg := NewRegistry(time.Second, nil)
	require.NoError(t, tg.Register(reg))
	return reg, tg, r, WithUser(context.Background(), 5)
}

func TestRegistryListsToolsInOrder(t *testing.T) {
	reg, _, _, _ := setup(t)
	assert.Equal(t, []string{KeyboardTool, FileTool, ProgressTool, MessageTool}, reg.List())

	defs := reg.Definitions()
	require.Len(t, defs, 4)
	assert.Equal(t, []string{"buttons", "message"}, defs[0].InputSchema.Required)

	b, err := json.Marshal(defs[2])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"inputSchema"`)
	assert.Contains(t, string(b), `"maximum":100`)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg, tg, _, _ := setup(t)
	assert.Error(t, tg.Register(reg))
	assert.Error(t, reg.Register("", "x", Schema{}, nil))
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(0, nil)
	res := reg.Execute(context.Background(), "nope", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "Unknown tool: nope", res.Text())
}

type quotaError struct{}

func (quotaError) Error() string { return "quota exceeded" }

func TestSafeHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		h := SafeHandler(func(context.Context, map[string]any) (Result, error) {
			return Result{}, quotaError{}
		}, time.Second, nil)
		res, err := h(ctx, nil)
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "Tool error (quotaError): quota exceeded", res.Text())
	})

	t.Run("plain error", func(t *testing.T) {
		h := SafeHandler(func(context.Context, map[string]any) (Result, error) {
			return Result{}, errors.New("boom")
		}, time.Second, nil)
		res, _ := h(ctx, nil)
		assert.Equal(t, "Tool error (errorString): boom", res.Text())
	})

	t.Run("panic", func(t *testing.T) {
		h := SafeHandler(func(context.Context, map[string]any) (Result, error) {
			panic("kaboom")
		}, time.Second, nil)
		res, _ := h(ctx, nil)
		assert.True(t, res.IsError)
		assert.Equal(t, "Tool error (panic): kaboom", res.Text())
	})

	t.Run("timeout", func(t *testing.T) {
		h := SafeHandler(func(ctx context.Context, _ map[string]any) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}, 20*time.Millisecond, nil)
		res, _ := h(ctx, nil)
		assert.True(t, res.IsError)
		assert.Equal(t, "Tool execution timed out after 0s", res.Text())
	})

	t.Run("success", func(t *testing.T) {
		h := SafeHandler(func(context.Context, map[string]any) (Result, error) {
			return TextResult("ok"), nil
		}, time.Second, nil)
		res, _ := h(ctx, nil)
		assert.False(t, res.IsError)
		assert.Equal(t, "ok", res.Text())
	})
}

func TestKeyboard(t *testing.T) {
	reg, _, r, ctx := setup(t)

	long := strings.Repeat("é", 40) // 80 bytes
	res := reg.Execute(ctx, KeyboardTool, map[string]any{
		"buttons": []any{[]any{"Yes", "No"}, []any{long}},
		"message": "Proceed?",
	})
	assert.False(t, res.IsError)
	assert.Equal(t, "Keyboard sent with 3 buttons", res.Text())

	require.Len(t, r.out, 1)
	assert.Equal(t, "Proceed?", r.out[0].text)
	want := [][]Button{
		{{Text: "Yes", Data: "Yes"}, {Text: "No", Data: "No"}},
		{{Text: long, Data: strings.Repeat("é", 32)}},
	}
	if diff := cmp.Diff(want, r.out[0].keyboard); diff != "" {
		t.Errorf("keyboard mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyboardValidation(t *testing.T) {
	reg, _, r, ctx := setup(t)

	res := reg.Execute(ctx, KeyboardTool, map[string]any{"message": "x"})
	assert.Equal(t, "Error: No buttons provided", res.Text())
	res = reg.Execute(ctx, KeyboardTool, map[string]any{"buttons": []any{[]any{"a"}}})
	assert.Equal(t, "Error: No message provided", res.Text())
	assert.Empty(t, r.out)

	r.fail = errors.New("chat not found")
	res = reg.Execute(ctx, KeyboardTool, map[string]any{"buttons": []any{[]any{"a"}}, "message": "m"})
	assert.True(t, res.IsError)
	assert.Equal(t, "Failed to send keyboard: chat not found", res.Text())
}

func TestFile(t *testing.T) {
	reg, _, r, ctx := setup(t)

	res := reg.Execute(ctx, FileTool, map[string]any{"content": "hello"})
	assert.Equal(t, "File 'file.txt' sent (5 bytes)", res.Text())
	require.Len(t, r.out, 1)
	assert.Equal(t, "file.txt", r.out[0].file)
	assert.Equal(t, "hello", r.out[0].data)

	res = reg.Execute(ctx, FileTool, map[string]any{"filename": "a.txt"})
	assert.Equal(t, "Error: No file content provided", res.Text())
}

func TestProgressSendsThenEdits(t *testing.T) {
	reg, tg, r, ctx := setup(t)

	res := reg.Execute(ctx, ProgressTool, map[string]any{"message": "Building", "percent": float64(45)})
	assert.Equal(t, "Progress updated: 45%", res.Text())
	res = reg.Execute(ctx, ProgressTool, map[string]any{"message": "Building", "percent": float64(250)})
	assert.Equal(t, "Progress updated: 100%", res.Text())

	require.Len(t, r.out, 2)
	assert.Equal(t, "Building\n\n[████░░░░░░] 45%", r.out[0].text)
	assert.Equal(t, 1, r.out[1].edit)
	assert.Equal(t, "Building\n\n[██████████] 100%", r.out[1].text)

	tg.ResetProgress(5)
	reg.Execute(ctx, ProgressTool, map[string]any{"percent": float64(-3)})
	require.Len(t, r.out, 3)
	assert.Zero(t, r.out[2].edit)
	assert.Equal(t, "Processing...\n\n[░░░░░░░░░░] 0%", r.out[2].text)
}

func TestMessage(t *testing.T) {
	reg, _, r, ctx := setup(t)

	res := reg.Execute(ctx, MessageTool, map[string]any{"text": "*hi*"})
	assert.Equal(t, "Message sent (4 chars, Markdown)", res.Text())
	res = reg.Execute(ctx, MessageTool, map[string]any{"text": "<b>x</b>", "parse_mode": "HTML"})
	assert.Equal(t, "Message sent (8 chars, HTML)", res.Text())
	require.Len(t, r.out, 2)
	assert.Equal(t, "HTML", r.out[1].mode)

	res = reg.Execute(ctx, MessageTool, map[string]any{})
	assert.Equal(t, "Error: No message text provided", res.Text())
}

func TestToolsWithoutChatStillSucceed(t *testing.T) {
	reg, _, r, _ := setup(t)
	ctx := WithUser(context.Background(), 99)

	res := reg.Execute(ctx, MessageTool, map[string]any{"text": "hi"})
	assert.False(t, res.IsError)
	assert.Empty(t, r.out)
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "░░░░░░░░░░", ProgressBar(0))
	assert.Equal(t, "█████░░░░░", ProgressBar(59))
	assert.Equal(t, "██████████", ProgressBar(100))
}

func TestMCPName(t *testing.T) {
	assert.Equal(t, "mcp__telegram__telegram_file", MCPName(FileTool))
}
