package handler

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/middleware"
	tg "github.com/set-night/shopbot/internal/telegram"
)

func (h *Handler) handleStart(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil {
		return
	}

	text := fmt.Sprintf(
		"👋 Hi, *%s*!\n\n"+
			"📋 *Commands:*\n"+
			"/balance — Show your balance\n"+
			"/deposit <amount> [asset] — Top up with crypto\n"+
			"/checkout <order> — Pay for an order\n"+
			"/pay <order> — Pay for an order from your balance\n"+
			"/cancel <order> — Cancel an unpaid order",
		tg.EscapeMarkdown(account.FirstName),
	)
	tg.Reply(ctx, s, chatOf(update), text)
}

func (h *Handler) handleBalance(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil {
		return
	}

	// The cached account may predate a settlement.
	if fresh, err := h.accounts.Get(ctx, account.ID); err == nil {
		account = fresh
	}

	tg.Reply(ctx, s, chatOf(update), fmt.Sprintf("💰 Balance: *$%s*", account.Balance.StringFixed(2)))
}
