package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/commands"
	"github.com/berth-dev/claudegram/internal/conversation"
	"github.com/berth-dev/claudegram/internal/facade"
	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/security"
)

// editInterval throttles edits of the status message while tools run.
const editInterval = 2 * time.Second

const (
	callbackApprove = "claudegram:approve"
	callbackReject  = "claudegram:reject"
	callbackStop    = "claudegram:stop"
)

const continuePrompt = "Please continue where we left off."

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	userID, chatID := msg.From.ID, msg.Chat.ID
	if !b.authorized(userID) {
		b.logger.Warn("unauthorized message", zap.Int64("user_id", userID), zap.Int64("chat_id", chatID))
		b.reply(chatID, "❌ You are not authorized to use this bot.")
		return
	}
	b.rememberChat(userID, chatID)

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if b.tracker.HasPending(userID) {
		if approved, ok := parseAnswer(text); ok {
			b.resolve(ctx, userID, chatID, approved)
			return
		}
	}
	// Telegram ends the command entity at the first '-' or '.', so a
	// template such as /status-report would otherwise reach /status.
	if msg.IsCommand() && !commands.IsCommand(text) &&
		b.handleCommand(ctx, userID, chatID, msg.Command(), msg.CommandArguments()) {
		return
	}
	b.submit(ctx, userID, chatID, text)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}
	userID, chatID := q.From.ID, q.Message.Chat.ID
	if !b.authorized(userID) {
		b.logger.Warn("unauthorized callback", zap.Int64("user_id", userID))
		b.answer(q.ID, "❌ Not authorized")
		return
	}
	b.rememberChat(userID, chatID)

	switch q.Data {
	case callbackApprove:
		b.answer(q.ID, "✅ Approved")
		b.resolve(ctx, userID, chatID, true)
	case callbackReject:
		b.answer(q.ID, "Cancelled")
		b.resolve(ctx, userID, chatID, false)
	case callbackStop:
		b.answer(q.ID, "⏹️ Stopping...")
		b.stop(userID, chatID)
	default:
		// Buttons drawn by the keyboard tool answer Claude.
		b.answer(q.ID, "")
		b.submit(ctx, userID, chatID, q.Data)
	}
}

// handleCommand runs a built-in command. It reports false for anything
// else, which is then sent to Claude as a slash command template.
func (b *Bot) handleCommand(ctx context.Context, userID, chatID int64, name, args string) bool {
	switch name {
	case "start", "help":
		b.reply(chatID, b.helpText())
	case "new":
		b.newSession(ctx, userID, chatID)
	case "stop":
		b.stop(userID, chatID)
	case "status":
		b.status(ctx, userID, chatID)
	case "sessions":
		b.listSessions(ctx, userID, chatID)
	case "continue":
		b.continueSession(ctx, userID, chatID, strings.TrimSpace(args))
	default:
		return false
	}
	return true
}

func (b *Bot) helpText() string {
	var sb strings.Builder
	sb.WriteString("🤖 **Claude Code on Telegram**\n\n")
	sb.WriteString("Send any message to talk to Claude in `" + b.opts.WorkDir + "`.\n\n")
	sb.WriteString("/new - start a fresh session\n")
	sb.WriteString("/continue [message] - resume your last session\n")
	sb.WriteString("/stop - stop the running request\n")
	sb.WriteString("/status - session and usage summary\n")
	sb.WriteString("/sessions - list your sessions\n")
	if b.cmds != nil {
		if names := b.cmds.ListCommands(); len(names) > 0 {
			sb.WriteString("\n**Commands:**\n")
			for _, n := range names {
				sb.WriteString("/" + n + "\n")
			}
		}
	}
	return sb.String()
}

func (b *Bot) newSession(ctx context.Context, userID, chatID int64) {
	info, err := b.claude.NewSession(ctx, userID, b.opts.WorkDir)
	if err != nil {
		b.logger.Error("starting session", zap.Int64("user_id", userID), zap.Error(err))
		b.reply(chatID, "❌ Could not start a new session: "+err.Error())
		return
	}
	b.setSession(userID, info.SessionID)
	b.reply(chatID, "🆕 New session started. Send a message to begin.")
}

func (b *Bot) stop(userID, chatID int64) {
	if b.convs != nil && b.convs.Stop(userID) {
		b.reply(chatID, "⏹️ Stopped.")
		return
	}
	b.reply(chatID, "Nothing is running.")
}

func (b *Bot) status(ctx context.Context, userID, chatID int64) {
	sum, err := b.claude.UserSummary(ctx, userID)
	if err != nil {
		b.reply(chatID, "❌ Could not load status: "+err.Error())
		return
	}
	current := b.sessionOf(userID)
	if current == "" {
		current = "none"
	}
	running := "no"
	if b.convs != nil && b.convs.IsActive(userID) {
		running = "yes"
	}
	allowed := "none"
	if len(b.opts.AllowedTools) > 0 {
		allowed = "`" + strings.Join(b.opts.AllowedTools, "`, `") + "`"
	}

	var sb strings.Builder
	sb.WriteString("📊 **Status**\n\n")
	fmt.Fprintf(&sb, "📂 Directory: `%s`\n", b.opts.WorkDir)
	if b.repo != nil {
		if repo, err := b.repo(b.opts.WorkDir); err == nil {
			fmt.Fprintf(&sb, "🌿 Git: %s\n", repo)
		}
	}
	fmt.Fprintf(&sb, "🧵 Session: `%s`\n", current)
	fmt.Fprintf(&sb, "⚙️ Running: %s\n", running)
	fmt.Fprintf(&sb, "💬 Sessions: %d (%d active), %d messages\n", sum.TotalSessions, sum.ActiveSessions, sum.TotalMessages)
	fmt.Fprintf(&sb, "💰 Total cost: $%.4f\n", sum.TotalCost)
	fmt.Fprintf(&sb, "🔧 Tool calls: %d (%d blocked)\n", sum.TotalCalls, sum.Blocked)
	fmt.Fprintf(&sb, "✅ Allowed tools: %s", allowed)
	b.reply(chatID, sb.String())
}

func (b *Bot) listSessions(ctx context.Context, userID, chatID int64) {
	infos, err := b.claude.UserSessions(ctx, userID)
	if err != nil {
		b.reply(chatID, "❌ Could not list sessions: "+err.Error())
		return
	}
	if len(infos) == 0 {
		b.reply(chatID, "No sessions yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("🧵 **Your sessions**\n\n")
	for _, s := range infos {
		id := s.SessionID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(&sb, "• `%s` %s, %d messages, $%.4f, last used %s",
			id, s.ProjectPath, s.MessageCount, s.TotalCost, s.LastUsed.Format("2006-01-02 15:04"))
		if s.Expired {
			sb.WriteString(" (expired)")
		}
		sb.WriteString("\n")
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) continueSession(ctx context.Context, userID, chatID int64, prompt string) {
	if !b.idle(userID, chatID) {
		return
	}
	if prompt == "" {
		prompt = continuePrompt
	}
	b.spawn(func() {
		p := b.startProgress(chatID)
		resp, err := b.claude.ContinueSession(ctx, userID, b.opts.WorkDir, prompt, p.onEvent)
		if err == nil && resp == nil {
			p.done()
			b.reply(chatID, "No previous session found for this directory. Send a message to start one.")
			return
		}
		b.finish(userID, chatID, p, resp, err)
	})
}

// submit sends text to Claude on a tracked goroutine.
func (b *Bot) submit(ctx context.Context, userID, chatID int64, text string) {
	if !b.idle(userID, chatID) {
		return
	}
	b.spawn(func() {
		p := b.startProgress(chatID)
		resp, err := b.claude.Run(ctx, facade.Request{
			Prompt:     text,
			WorkingDir: b.opts.WorkDir,
			UserID:     userID,
			SessionID:  b.sessionOf(userID),
			OnStream:   p.onEvent,
		})
		b.finish(userID, chatID, p, resp, err)
	})
}

func (b *Bot) idle(userID, chatID int64) bool {
	if b.convs != nil && b.convs.IsActive(userID) {
		b.reply(chatID, "⏳ Still working on your previous message. Use /stop to cancel it.")
		return false
	}
	return true
}

func (b *Bot) finish(userID, chatID int64, p *progress, resp *facade.Response, err error) {
	p.done()
	if b.tools != nil {
		b.tools.ResetProgress(userID)
	}
	if err != nil {
		var tv *facade.ToolValidationError
		if errors.As(err, &tv) {
			b.reply(chatID, tv.Message)
			return
		}
		b.logger.Error("claude request failed", zap.Int64("user_id", userID), zap.Error(err))
		b.reply(chatID, "❌ Claude is unavailable right now: "+err.Error())
		return
	}
	if resp.SessionID != "" && resp.ErrorType != conversation.ErrorTypeBusy {
		b.setSession(userID, resp.SessionID)
	}
	for _, chunk := range splitMessage(formatResponse(resp), maxMessageLen) {
		b.reply(chatID, chunk)
	}
}

func formatResponse(resp *facade.Response) string {
	text := strings.TrimSpace(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "❌ Request failed (" + resp.ErrorType + ")"
		}
		return text
	}
	if text == "" {
		text = "✅ Done."
	}
	if resp.Cost > 0 {
		text += fmt.Sprintf("\n\n💰 $%.4f, %d turns, %.1fs", resp.Cost, resp.NumTurns, float64(resp.DurationMS)/1000)
	}
	return text
}

// progress is the status message shown while Claude works.
type progress struct {
	api    API
	chatID int64
	msgID  int
	last   time.Time
	tools  []string
	// sensitive is the latest shell command that changes state (see
	// security.RequiresConfirmation). It bypasses the edit throttle.
	sensitive string
}

// sensitiveCommand returns the shell command of a Bash tool use when it
// modifies files, history or packages, and "" otherwise.
func sensitiveCommand(ev backend.Event) string {
	if ev.ToolName != "Bash" {
		return ""
	}
	cmd, _ := ev.ToolInput["command"].(string)
	if !security.RequiresConfirmation(cmd) {
		return ""
	}
	return log.Truncate(strings.TrimSpace(cmd), 100)
}

func (b *Bot) startProgress(chatID int64) *progress {
	msg := tgbotapi.NewMessage(chatID, "🤔 Working on it...")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⏹️ Stop", callbackStop)),
	)
	id, err := sendWithFallback(b.api, msg)
	if err != nil {
		b.logger.Warn("sending status message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return &progress{api: b.api, chatID: chatID, msgID: id}
}

func (p *progress) onEvent(ev backend.Event) error {
	if ev.Type != backend.EventToolUse || p.msgID == 0 {
		return nil
	}
	p.tools = append(p.tools, ev.ToolName)
	sensitive := sensitiveCommand(ev)
	if sensitive != "" {
		p.sensitive = sensitive
	} else if !p.last.IsZero() && time.Since(p.last) < editInterval {
		return nil
	}
	p.last = time.Now()
	text := fmt.Sprintf("🔧 Working... (%d tool calls)\nLast: %s", len(p.tools), ev.ToolName)
	if p.sensitive != "" {
		text += "\n⚠️ Sensitive command: " + p.sensitive
	}
	edit := tgbotapi.NewEditMessageText(p.chatID, p.msgID, text)
	_, err := p.api.Request(edit)
	return err
}

func (p *progress) done() {
	if p.msgID == 0 {
		return
	}
	_, _ = p.api.Request(tgbotapi.NewDeleteMessage(p.chatID, p.msgID))
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := sendWithFallback(b.api, msg); err != nil {
		b.logger.Warn("sending reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) answer(queryID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		b.logger.Debug("answering callback", zap.Error(err))
	}
}
