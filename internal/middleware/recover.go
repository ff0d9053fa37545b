package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
)

// Recover returns middleware that recovers from panics.
func Recover() botpool.Middleware {
	return func(next botpool.HandlerFunc) botpool.HandlerFunc {
		return func(ctx context.Context, s botpool.Sender, update *models.Update) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic recovered in handler",
						"panic", r,
						"update_id", update.ID,
						"stack", string(debug.Stack()),
					)
				}
			}()
			next(ctx, s, update)
		}
	}
}
