package middleware

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/ratelimit"
	"github.com/set-night/shopbot/internal/telegram"
)

const throttledText = "⏳ Too many requests. Please wait a moment."

// RateLimit returns middleware that drops messages from users over their
// per-window limit. A limiter error lets the update through.
func RateLimit(limiter ratelimit.Limiter) botpool.Middleware {
	return func(next botpool.HandlerFunc) botpool.HandlerFunc {
		return func(ctx context.Context, s botpool.Sender, update *models.Update) {
			// Only messages count against the limit
			if update.Message == nil || update.Message.From == nil {
				next(ctx, s, update)
				return
			}

			userID := update.Message.From.ID
			allowed, err := limiter.Allow(ctx, userID)
			if err != nil {
				slog.Error("rate limit check failed", "error", err, "user_id", userID)
				next(ctx, s, update)
				return
			}
			if !allowed {
				slog.Debug("rate limited", "user_id", userID, "chat_id", update.Message.Chat.ID)
				telegram.Reply(ctx, s, update.Message.Chat.ID, throttledText)
				return
			}

			next(ctx, s, update)
		}
	}
}
