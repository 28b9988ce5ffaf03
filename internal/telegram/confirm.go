package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/tools"
)

// ask is the gate's confirmation callback. The hook has already denied the
// command; the user's answer decides whether it is approved and replayed.
func (b *Bot) ask(_ context.Context, in security.HookInput, m security.Match, reason string) {
	cmd := in.Command()
	b.tracker.SetPending(in.UserID, cmd, reason, map[string]any{
		"session_id":  in.SessionID,
		"tool_use_id": in.ToolUseID,
		"rule":        m.Rule.Description,
	})

	chatID, ok := b.chatOf(in.UserID)
	if !ok {
		b.logger.Warn("confirmation for user without chat", zap.Int64("user_id", in.UserID))
		return
	}
	req := security.NewConfirmationRequest(in.UserID, cmd, m.Rule.Description, "")
	msg := tgbotapi.NewMessage(chatID, req.Message())
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = inlineKeyboard([][]tools.Button{{
		{Text: "✅ Yes", Data: callbackApprove},
		{Text: "❌ No", Data: callbackReject},
	}})
	if _, err := sendWithFallback(b.api, msg); err != nil {
		b.logger.Error("sending confirmation", zap.Int64("user_id", in.UserID), zap.Error(err))
		return
	}
	b.logger.Info("confirmation requested",
		zap.Int64("user_id", in.UserID),
		zap.String("request_id", req.ID),
		zap.String("command", log.Truncate(cmd, 100)),
	)
}

// resolve applies the user's answer to their pending confirmation.
func (b *Bot) resolve(ctx context.Context, userID, chatID int64, approved bool) {
	p, ok := b.tracker.ClearPending(userID)
	if !ok {
		b.reply(chatID, "No command is waiting for confirmation.")
		return
	}
	if !approved {
		b.reply(chatID, "❌ Cancelled. The command will not run.")
		return
	}
	if b.gate != nil {
		b.gate.Approve(userID, p.Command)
	}
	b.reply(chatID, "✅ Approved. Asking Claude to run it now.")
	b.submit(ctx, userID, chatID, approvedPrompt(p.Command))
}

func approvedPrompt(cmd string) string {
	return fmt.Sprintf("I approved the command you asked to run. Run it now, exactly as before:\n\n```\n%s\n```", cmd)
}

// parseAnswer reads a typed yes/no reply.
func parseAnswer(text string) (approved, ok bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "ok", "confirm":
		return true, true
	case "no", "n", "cancel":
		return false, true
	}
	return false, false
}
