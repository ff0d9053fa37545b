package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/domain"
)

const MaxMessageLen = 4096

// SendLongMessage sends a potentially long Markdown message, splitting it into
// parts if needed. A part the platform refuses to parse is resent as plain text.
func SendLongMessage(ctx context.Context, s botpool.Sender, chatID int64, text string, markup models.ReplyMarkup) error {
	parts := SplitMessage(text, MaxMessageLen)

	for i, part := range parts {
		msg := botpool.Message{
			ChatID:    chatID,
			Text:      part,
			ParseMode: models.ParseModeMarkdownV1,
		}
		if i == len(parts)-1 {
			msg.ReplyMarkup = markup
		}

		err := s.Send(ctx, msg)
		if err != nil && errors.Is(err, domain.ErrRecipientUnreachable) {
			slog.Warn("markdown send failed, falling back to plain text", "chat_id", chatID, "error", err)
			msg.ParseMode = ""
			err = s.Send(ctx, msg)
		}
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}

	return nil
}

// Reply sends a short Markdown message.
func Reply(ctx context.Context, s botpool.Sender, chatID int64, text string) {
	if err := SendLongMessage(ctx, s, chatID, text, nil); err != nil {
		slog.Error("reply failed", "chat_id", chatID, "error", err)
	}
}
