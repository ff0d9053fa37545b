package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/middleware"
	tg "github.com/set-night/shopbot/internal/telegram"
)

var stateIcons = map[botpool.State]string{
	botpool.StateHealthy:  "🟢",
	botpool.StateStarting: "🟡",
	botpool.StateDegraded: "🟠",
	botpool.StateBanned:   "🔴",
	botpool.StateStopped:  "⚫",
}

func (h *Handler) handlePool(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil || !account.IsStaff() || update.Message == nil || h.pool == nil {
		return
	}

	var b strings.Builder
	b.WriteString("🤖 *Bot pool*\n\n")
	for _, info := range h.pool.Snapshot() {
		name := info.Label
		if info.Username != "" {
			name = "@" + info.Username
		}
		fmt.Fprintf(&b, "%s %s — %s", stateIcons[info.State], tg.EscapeMarkdown(name), info.State)
		if info.Failures > 0 {
			fmt.Fprintf(&b, " (%d failures)", info.Failures)
		}
		if !info.LastHeartbeat.IsZero() {
			fmt.Fprintf(&b, "\n    last heartbeat %s ago", time.Since(info.LastHeartbeat).Truncate(time.Second))
		}
		if info.LastError != "" {
			fmt.Fprintf(&b, "\n    %s", tg.EscapeMarkdown(tg.Truncate(info.LastError, 200)))
		}
		b.WriteString("\n")
	}

	tg.Reply(ctx, s, update.Message.Chat.ID, b.String())
}

func (h *Handler) handleBan(ctx context.Context, s botpool.Sender, update *models.Update) {
	h.setBan(ctx, s, update, true)
}

func (h *Handler) handleUnban(ctx context.Context, s botpool.Sender, update *models.Update) {
	h.setBan(ctx, s, update, false)
}

// setBan handles /ban <account_id> [reason] and /unban <account_id>.
func (h *Handler) setBan(ctx context.Context, s botpool.Sender, update *models.Update, banned bool) {
	account := middleware.GetAccount(ctx)
	if account == nil || !account.IsStaff() || update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	parts := args(update.Message.Text)
	if len(parts) == 0 {
		tg.Reply(ctx, s, chatID, "Usage: /ban <account_id> [reason] or /unban <account_id>")
		return
	}
	targetID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		tg.Reply(ctx, s, chatID, "❌ Invalid account id.")
		return
	}
	if targetID == account.ID {
		tg.Reply(ctx, s, chatID, "❌ You cannot change your own ban status.")
		return
	}

	if banned {
		err = h.accounts.Ban(ctx, targetID, strings.Join(parts[1:], " "))
	} else {
		err = h.accounts.Unban(ctx, targetID)
	}
	if err != nil {
		tg.Reply(ctx, s, chatID, "❌ "+tg.EscapeMarkdown(err.Error()))
		return
	}

	verb := "unbanned"
	if banned {
		verb = "banned"
	}
	tg.Reply(ctx, s, chatID, fmt.Sprintf("✅ Account %d %s.", targetID, verb))
}

// handleRefund handles /refund <order>: the order total goes back to the
// owner's balance and the owner is told.
func (h *Handler) handleRefund(ctx context.Context, s botpool.Sender, update *models.Update) {
	account := middleware.GetAccount(ctx)
	if account == nil || !account.IsStaff() || update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	parts := args(update.Message.Text)
	if len(parts) == 0 {
		tg.Reply(ctx, s, chatID, "Usage: /refund <order>")
		return
	}

	order, owner, err := h.orders.Refund(ctx, parts[0])
	if err != nil {
		h.replyPaymentError(ctx, s, chatID, err)
		return
	}

	tg.Reply(ctx, s, chatID, fmt.Sprintf("✅ Order `%s` refunded: %s %s to account %d.",
		order.ID, order.Total.String(), order.Asset, order.AccountID))
	tg.Reply(ctx, s, order.AccountID, fmt.Sprintf(
		"↩️ Order `%s` was refunded.\n\n%s %s returned to your balance. Balance: *%s*",
		order.ID, order.Total.String(), order.Asset, owner.Balance.String(),
	))
}
