package telegram

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/berth-dev/claudegram/internal/tools"
)

// maxMessageLen is Telegram's limit on a message text.
const maxMessageLen = 4096

// chatRenderer draws Telegram tool output into one chat.
type chatRenderer struct {
	api    API
	chatID int64
}

var _ tools.Renderer = (*chatRenderer)(nil)

func (r *chatRenderer) SendMessage(_ context.Context, text, parseMode string, keyboard [][]tools.Button) (int, error) {
	msg := tgbotapi.NewMessage(r.chatID, text)
	msg.ParseMode = parseMode
	if len(keyboard) > 0 {
		msg.ReplyMarkup = inlineKeyboard(keyboard)
	}
	return sendWithFallback(r.api, msg)
}

func (r *chatRenderer) SendDocument(_ context.Context, filename string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(r.chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption
	if _, err := r.api.Send(doc); err != nil {
		return fmt.Errorf("send document %s: %w", filename, err)
	}
	return nil
}

func (r *chatRenderer) EditMessage(_ context.Context, messageID int, text, parseMode string) error {
	edit := tgbotapi.NewEditMessageText(r.chatID, messageID, text)
	edit.ParseMode = parseMode
	if _, err := r.api.Request(edit); err != nil {
		if parseMode == "" {
			return fmt.Errorf("edit message %d: %w", messageID, err)
		}
		edit.ParseMode = ""
		if _, err := r.api.Request(edit); err != nil {
			return fmt.Errorf("edit message %d: %w", messageID, err)
		}
	}
	return nil
}

func inlineKeyboard(rows [][]tools.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

// sendWithFallback sends msg and, when Telegram rejects its markup, sends it
// again as plain text.
func sendWithFallback(api API, msg tgbotapi.MessageConfig) (int, error) {
	sent, err := api.Send(msg)
	if err != nil && msg.ParseMode != "" {
		msg.ParseMode = ""
		sent, err = api.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

// splitMessage breaks text into chunks Telegram accepts, preferring line
// boundaries.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
