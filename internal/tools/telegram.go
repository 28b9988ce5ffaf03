package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
)

// Tool names.
const (
	KeyboardTool = "telegram_keyboard"
	FileTool     = "telegram_file"
	ProgressTool = "telegram_progress"
	MessageTool  = "telegram_message"
)

// maxCallbackData is Telegram's limit on inline button payloads.
const maxCallbackData = 64

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// Renderer delivers tool output to a user's chat.
type Renderer interface {
	SendMessage(ctx context.Context, text, parseMode string, keyboard [][]Button) (int, error)
	SendDocument(ctx context.Context, filename string, data []byte, caption string) error
	EditMessage(ctx context.Context, messageID int, text, parseMode string) error
}

// RendererLookup returns the renderer for a user, or nil when the user has
// no chat attached.
type RendererLookup func(userID int64) Renderer

type userKey struct{}

// WithUser attaches the calling user to ctx.
func WithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user attached by WithUser.
func UserFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userKey{}).(int64)
	return id, ok
}

// Telegram implements the chat tools on top of a RendererLookup.
type Telegram struct {
	lookup RendererLookup
	logger *zap.Logger

	mu       sync.Mutex
	progress map[int64]int
}

// NewTelegram returns the chat tools.
func NewTelegram(lookup RendererLookup, logger *zap.Logger) *Telegram {
	return &Telegram{
		lookup:   lookup,
		logger:   log.OrNop(logger),
		progress: make(map[int64]int),
	}
}

// Register adds the four chat tools to r.
func (t *Telegram) Register(r *Registry) error {
	zero, hundred := 0, 100
	defs := []struct {
		name, desc string
		schema     Schema
		h          Handler
	}{
		{
			name: KeyboardTool,
			desc: "Send an inline keyboard with buttons the user can tap.",
			schema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"buttons": {
						Type:        "array",
						Description: "Rows of button labels",
						Items:       &Property{Type: "array", Items: &Property{Type: "string"}},
					},
					"message": {Type: "string", Description: "Text shown above the keyboard"},
				},
				Required: []string{"buttons", "message"},
			},
			h: t.Keyboard,
		},
		{
			name: FileTool,
			desc: "Send text content to the user as a file attachment.",
			schema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"content":  {Type: "string", Description: "File content"},
					"filename": {Type: "string", Description: "File name"},
					"caption":  {Type: "string", Description: "Optional caption"},
				},
				Required: []string{"content", "filename"},
			},
			h: t.File,
		},
		{
			name: ProgressTool,
			desc: "Show or update a progress bar for a long running task.",
			schema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"message": {Type: "string", Description: "Status text"},
					"percent": {Type: "integer", Description: "Completion from 0 to 100", Minimum: &zero, Maximum: &hundred},
				},
				Required: []string{"message", "percent"},
			},
			h: t.Progress,
		},
		{
			name: MessageTool,
			desc: "Send a formatted message to the user.",
			schema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"text":       {Type: "string", Description: "Message text"},
					"parse_mode": {Type: "string", Description: "Formatting mode", Enum: []string{"Markdown", "MarkdownV2", "HTML"}},
				},
				Required: []string{"text"},
			},
			h: t.Message,
		},
	}
	for _, d := range defs {
		if err := r.Register(d.name, d.desc, d.schema, d.h); err != nil {
			return err
		}
	}
	return nil
}

// ResetProgress forgets the user's progress message so the next update
// sends a new one.
func (t *Telegram) ResetProgress(userID int64) {
	t.mu.Lock()
	delete(t.progress, userID)
	t.mu.Unlock()
}

func (t *Telegram) renderer(ctx context.Context) (int64, Renderer) {
	userID, ok := UserFrom(ctx)
	if !ok || t.lookup == nil {
		return userID, nil
	}
	return userID, t.lookup(userID)
}

// Keyboard sends an inline keyboard. Button payloads are the labels cut to
// Telegram's callback data limit.
func (t *Telegram) Keyboard(ctx context.Context, args map[string]any) (Result, error) {
	rows := stringRows(args["buttons"])
	message := stringArg(args, "message", "")
	if len(rows) == 0 {
		return TextResult("Error: No buttons provided"), nil
	}
	if message == "" {
		return TextResult("Error: No message provided"), nil
	}

	keyboard := make([][]Button, 0, len(rows))
	count := 0
	for _, row := range rows {
		buttons := make([]Button, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, Button{Text: label, Data: truncateUTF8(label, maxCallbackData)})
			count++
		}
		keyboard = append(keyboard, buttons)
	}

	userID, r := t.renderer(ctx)
	if r == nil {
		t.logger.Warn("no chat for keyboard", zap.Int64("user_id", userID))
	} else if _, err := r.SendMessage(ctx, message, "", keyboard); err != nil {
		return ErrorResult("Failed to send keyboard: " + err.Error()), nil
	}
	return TextResult(fmt.Sprintf("Keyboard sent with %d buttons", count)), nil
}

// File sends content as a document.
func (t *Telegram) File(ctx context.Context, args map[string]any) (Result, error) {
	content := stringArg(args, "content", "")
	filename := stringArg(args, "filename", "file.txt")
	caption := stringArg(args, "caption", "")
	if content == "" {
		return TextResult("Error: No file content provided"), nil
	}

	userID, r := t.renderer(ctx)
	if r == nil {
		t.logger.Warn("no chat for file", zap.Int64("user_id", userID))
	} else if err := r.SendDocument(ctx, filename, []byte(content), caption); err != nil {
		return ErrorResult("Failed to send file: " + err.Error()), nil
	}
	return TextResult(fmt.Sprintf("File '%s' sent (%d bytes)", filename, len(content))), nil
}

// Progress shows a ten cell progress bar, editing the previous bar of the
// same user when there is one.
func (t *Telegram) Progress(ctx context.Context, args map[string]any) (Result, error) {
	message := stringArg(args, "message", "Processing...")
	percent := min(max(intArg(args, "percent"), 0), 100)
	text := fmt.Sprintf("%s\n\n[%s] %d%%", message, ProgressBar(percent), percent)

	userID, r := t.renderer(ctx)
	if r == nil {
		t.logger.Warn("no chat for progress", zap.Int64("user_id", userID))
		return TextResult(fmt.Sprintf("Progress updated: %d%%", percent)), nil
	}

	t.mu.Lock()
	msgID, editing := t.progress[userID]
	t.mu.Unlock()

	if editing {
		if err := r.EditMessage(ctx, msgID, text, ""); err != nil {
			return ErrorResult("Failed to update progress: " + err.Error()), nil
		}
	} else {
		id, err := r.SendMessage(ctx, text, "", nil)
		if err != nil {
			return ErrorResult("Failed to update progress: " + err.Error()), nil
		}
		t.mu.Lock()
		t.progress[userID] = id
		t.mu.Unlock()
	}
	return TextResult(fmt.Sprintf("Progress updated: %d%%", percent)), nil
}

// Message sends formatted text.
func (t *Telegram) Message(ctx context.Context, args map[string]any) (Result, error) {
	text := stringArg(args, "text", "")
	mode := stringArg(args, "parse_mode", "Markdown")
	if text == "" {
		return TextResult("Error: No message text provided"), nil
	}

	userID, r := t.renderer(ctx)
	if r == nil {
		t.logger.Warn("no chat for message", zap.Int64("user_id", userID))
	} else if _, err := r.SendMessage(ctx, text, mode, nil); err != nil {
		return ErrorResult("Failed to send message: " + err.Error()), nil
	}
	return TextResult(fmt.Sprintf("Message sent (%d chars, %s)", utf8.RuneCountInString(text), mode)), nil
}

// ProgressBar renders percent as ten filled or empty cells.
func ProgressBar(percent int) string {
	filled := 10 * min(max(percent, 0), 100) / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}

func stringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func stringRows(v any) [][]string {
	raw, ok := v.([]any)
	if !ok {
		if rows, ok := v.([][]string); ok {
			return rows
		}
		return nil
	}
	var rows [][]string
	for _, r := range raw {
		cells, ok := r.([]any)
		if !ok {
			continue
		}
		row := make([]string, 0, len(cells))
		for _, c := range cells {
			if s, ok := c.(string); ok {
				row = append(row, s)
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
