package middleware

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/service"
	"github.com/set-night/shopbot/internal/telegram"
)

type ctxKey string

const AccountKey ctxKey = "account"

const bannedText = "🚫 Your account is blocked."

// GetAccount extracts the account from context.
func GetAccount(ctx context.Context) *domain.Account {
	a, ok := ctx.Value(AccountKey).(*domain.Account)
	if !ok {
		return nil
	}
	return a
}

// WithAccount stores the account in ctx.
func WithAccount(ctx context.Context, a *domain.Account) context.Context {
	return context.WithValue(ctx, AccountKey, a)
}

// AccountLoader returns middleware that loads the sender's account into
// context, creating it on first contact. Updates from banned accounts stop here.
func AccountLoader(accounts *service.AccountService, cfg interface{ IsAdmin(int64) bool }) botpool.Middleware {
	return func(next botpool.HandlerFunc) botpool.HandlerFunc {
		return func(ctx context.Context, s botpool.Sender, update *models.Update) {
			o := originOf(update)
			if o.from == nil || o.from.IsBot {
				next(ctx, s, update)
				return
			}

			account, _, err := accounts.FindOrCreate(ctx, domain.AccountProfile{
				ID:           o.from.ID,
				FirstName:    o.from.FirstName,
				Username:     o.from.Username,
				LanguageCode: o.from.LanguageCode,
			}, cfg.IsAdmin(o.from.ID))
			if err != nil {
				slog.Error("load account failed", "error", err, "user_id", o.from.ID)
				return
			}

			if account.Banned {
				slog.Debug("update from banned account dropped", "account_id", account.ID)
				if update.Message != nil {
					telegram.Reply(ctx, s, o.chatID, bannedText)
				}
				return
			}

			next(WithAccount(ctx, account), s, update)
		}
	}
}
