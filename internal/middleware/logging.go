package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
)

type origin struct {
	kind   string
	chatID int64
	from   *models.User
}

func originOf(update *models.Update) origin {
	switch {
	case update.Message != nil:
		return origin{kind: "message", chatID: update.Message.Chat.ID, from: update.Message.From}
	case update.CallbackQuery != nil:
		o := origin{kind: "callback_query", from: &update.CallbackQuery.From}
		if update.CallbackQuery.Message.Message != nil {
			o.chatID = update.CallbackQuery.Message.Message.Chat.ID
		}
		return o
	case update.PreCheckoutQuery != nil:
		return origin{kind: "pre_checkout_query", from: update.PreCheckoutQuery.From}
	}
	return origin{kind: "unknown"}
}

func (o origin) userID() int64 {
	if o.from == nil {
		return 0
	}
	return o.from.ID
}

// Logging returns middleware that logs update processing time.
func Logging() botpool.Middleware {
	return func(next botpool.HandlerFunc) botpool.HandlerFunc {
		return func(ctx context.Context, s botpool.Sender, update *models.Update) {
			start := time.Now()
			o := originOf(update)

			next(ctx, s, update)

			slog.Debug("update processed",
				"type", o.kind,
				"chat_id", o.chatID,
				"user_id", o.userID(),
				"duration", time.Since(start),
			)
		}
	}
}
