package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/middleware"
	tg "github.com/set-night/shopbot/internal/telegram"
	"github.com/shopspring/decimal"
)

func (h *Handler) handleDeposit(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil || update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	parts := args(update.Message.Text)
	if len(parts) == 0 {
		tg.Reply(ctx, s, chatID, fmt.Sprintf("Usage: /deposit <amount> [%s]", strings.Join(depositAssets(), "|")))
		return
	}

	amount, err := decimal.NewFromString(parts[0])
	if err != nil || !amount.IsPositive() {
		tg.Reply(ctx, s, chatID, "❌ Invalid amount.")
		return
	}
	asset := ""
	if len(parts) > 1 {
		asset = parts[1]
	}

	inv, err := h.payments.CreateDeposit(ctx, account.ID, amount, asset)
	if err != nil {
		h.replyPaymentError(ctx, s, chatID, err)
		return
	}

	text := fmt.Sprintf(
		"🪙 *Deposit*\n\n"+
			"Amount: *%s %s*\n"+
			"The invoice is valid for %d minutes.",
		inv.Amount.String(), inv.Asset, int(config.DepositInvoiceTTL.Minutes()),
	)
	if err := tg.SendLongMessage(ctx, s, chatID, text, tg.PayKeyboard(inv.PayURL)); err != nil {
		slog.Error("send deposit invoice failed", "error", err, "invoice_id", inv.ID)
	}
}

func (h *Handler) handleCheckout(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil || update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	parts := args(update.Message.Text)
	if len(parts) == 0 {
		tg.Reply(ctx, s, chatID, "Usage: /checkout <order>")
		return
	}

	order, inv, err := h.orders.Checkout(ctx, account.ID, parts[0])
	if err != nil {
		h.replyPaymentError(ctx, s, chatID, err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧾 *Order* `%s`\n\n", order.ID)
	for _, li := range order.Items {
		fmt.Fprintf(&b, "• %s × %d — %s\n", tg.EscapeMarkdown(li.Name), li.Quantity, li.Total().String())
	}
	fmt.Fprintf(&b, "\nTotal: *%s %s*", order.Total.String(), inv.Asset)

	if err := tg.SendLongMessage(ctx, s, chatID, b.String(), tg.PayKeyboard(inv.PayURL)); err != nil {
		slog.Error("send order invoice failed", "error", err, "order_id", order.ID)
	}
}

func (h *Handler) handleCancelOrder(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil || update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	parts := args(update.Message.Text)
	if len(parts) == 0 {
		tg.Reply(ctx, s, chatID, "Usage: /cancel <order>")
		return
	}

	order, err := h.orders.Cancel(ctx, account.ID, parts[0])
	if err != nil {
		h.replyPaymentError(ctx, s, chatID, err)
		return
	}
	if order == nil {
		tg.Reply(ctx, s, chatID, "✅ Cart discarded.")
		return
	}
	tg.Reply(ctx, s, chatID, "✅ Order cancelled.")
}

// handlePay settles a cart from the account balance.
func (h *Handler) handlePay(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil || update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	parts := args(update.Message.Text)
	if len(parts) == 0 {
		tg.Reply(ctx, s, chatID, "Usage: /pay <order>")
		return
	}

	order, updated, err := h.orders.PayWithBalance(ctx, account.ID, parts[0])
	if err != nil {
		h.replyPaymentError(ctx, s, chatID, err)
		return
	}
	tg.Reply(ctx, s, chatID, fmt.Sprintf(
		"✅ Order `%s` is paid.\n\nCharged: *%s %s*\nBalance: *%s*",
		order.ID, order.Total.String(), order.Asset, updated.Balance.String(),
	))
}

func (h *Handler) replyPaymentError(ctx context.Context, s botpool.Sender, chatID int64, err error) {
	var text string
	switch {
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrUnsupportedAsset):
		text = "❌ " + tg.EscapeMarkdown(err.Error())
	case errors.Is(err, domain.ErrOrderNotFound):
		text = "❌ Order not found."
	case errors.Is(err, domain.ErrStateConflict), errors.Is(err, domain.ErrInvalidTransition):
		text = "❌ This order can no longer be changed."
	case errors.Is(err, domain.ErrInsufficientBalance):
		text = "❌ Not enough balance. Top up with /deposit."
	case errors.Is(err, domain.ErrPaymentsDisabled):
		text = "❌ Payments are temporarily unavailable."
	default:
		slog.Error("payment command failed", "error", err, "chat_id", chatID)
		text = "❌ Something went wrong. Please try again later."
	}
	tg.Reply(ctx, s, chatID, text)
}

func depositAssets() []string {
	out := make([]string, 0, len(config.DepositAssets))
	for asset := range config.DepositAssets {
		out = append(out, asset)
	}
	slices.Sort(out)
	return out
}
