package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/shopspring/decimal"
)

// OperatorLog posts operational events to the operator chat, one forum topic
// per event type. It sends through the bot pool so it keeps working while
// individual credentials are down.
type OperatorLog struct {
	sender botpool.Sender
	cfg    *config.Config
}

func NewOperatorLog(s botpool.Sender, cfg *config.Config) *OperatorLog {
	return &OperatorLog{sender: s, cfg: cfg}
}

type LogType string

const (
	LogTypeError          LogType = "error"
	LogTypeRegistration   LogType = "registration"
	LogTypeBalanceTopUp   LogType = "balanceTopUp"
	LogTypeOrderPaid      LogType = "orderPaid"
	LogTypeRejection      LogType = "rejection"
	LogTypeReconciliation LogType = "reconciliation"
	LogTypePool           LogType = "pool"
)

// Log posts message to the operator chat. Without an operator chat, urgent
// events go to the owner and admins directly and the rest are dropped.
func (l *OperatorLog) Log(logType LogType, message string) {
	if l == nil {
		return
	}
	msg := botpool.Message{
		Text:      Truncate(message, MaxMessageLen),
		ParseMode: models.ParseModeMarkdownV1,
	}

	if l.cfg.LogTelegramChatID != 0 {
		msg.ChatID = l.cfg.LogTelegramChatID
		msg.ThreadID = l.topicID(logType)
		go l.send(logType, msg)
		return
	}
	if !urgent(logType) {
		return
	}
	for _, id := range l.cfg.AdminRecipients() {
		msg.ChatID = id
		go l.send(logType, msg)
	}
}

// send runs off the caller's goroutine; settlement and dispatch never wait on
// the operator channel.
func (l *OperatorLog) send(logType LogType, msg botpool.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), config.OperatorLogTimeout)
	defer cancel()

	if err := l.sender.Send(ctx, msg); err != nil {
		slog.Error("failed to send telegram log", "type", logType, "chat_id", msg.ChatID, "error", err)
	}
}

func urgent(logType LogType) bool {
	return logType == LogTypeReconciliation || logType == LogTypePool
}

func (l *OperatorLog) LogError(err error, context string) {
	msg := fmt.Sprintf("❌ *Error*\n\n*Context:* %s\n*Error:* `%s`\n*Time:* %s",
		EscapeMarkdown(context), err.Error(), now())
	l.Log(LogTypeError, msg)
}

func (l *OperatorLog) LogRegistration(accountID int64, name, username string) {
	msg := fmt.Sprintf("👤 *New Account*\n\n*ID:* `%d`\n*Name:* %s\n*Username:* @%s",
		accountID, EscapeMarkdown(name), EscapeMarkdown(username))
	l.Log(LogTypeRegistration, msg)
}

func (l *OperatorLog) LogBalanceTopUp(accountID int64, amount decimal.Decimal, asset string, balance decimal.Decimal) {
	msg := fmt.Sprintf("💰 *Balance Top-Up*\n\n*User:* `%d`\n*Amount:* %s %s\n*New balance:* %s",
		accountID, amount.String(), asset, balance.String())
	l.Log(LogTypeBalanceTopUp, msg)
}

func (l *OperatorLog) LogOrderPaid(orderID string, accountID int64, amount decimal.Decimal, asset string) {
	msg := fmt.Sprintf("🛒 *Order Paid*\n\n*Order:* `%s`\n*User:* `%d`\n*Amount:* %s %s",
		orderID, accountID, amount.String(), asset)
	l.Log(LogTypeOrderPaid, msg)
}

func (l *OperatorLog) LogRejection(ev domain.PaymentEvent, o domain.Outcome) {
	msg := fmt.Sprintf("⚠️ *Payment Rejected*\n\n*Reason:* %s\n*Event:* `%s`\n*Invoice:* `%s`\n*Paid:* %s %s",
		o.Reason, ev.ID, ev.InvoiceID, ev.Amount.String(), ev.Asset)
	if o.AccountID != 0 {
		msg += fmt.Sprintf("\n*User:* `%d`", o.AccountID)
	}
	l.Log(LogTypeRejection, msg)
}

func (l *OperatorLog) LogReconciliation(ev domain.PaymentEvent, err error) {
	msg := fmt.Sprintf("🚨 *Needs Manual Reconciliation*\n\n*Event:* `%s`\n*Invoice:* `%s`\n*Amount:* %s %s\n*Error:* `%s`\n*Time:* %s",
		ev.ID, ev.InvoiceID, ev.Amount.String(), ev.Asset, err.Error(), now())
	l.Log(LogTypeReconciliation, msg)
}

func (l *OperatorLog) LogCredentialRevoked(info botpool.ConnectionInfo) {
	msg := fmt.Sprintf("🔒 *Bot Credential Revoked*\n\n*Connection:* `%s`\n*Username:* @%s\n*Error:* `%s`",
		info.Label, EscapeMarkdown(info.Username), info.LastError)
	l.Log(LogTypePool, msg)
}

func (l *OperatorLog) topicID(logType LogType) int {
	switch logType {
	case LogTypeError:
		return l.cfg.LogTopicError
	case LogTypeRegistration:
		return l.cfg.LogTopicRegistration
	case LogTypeBalanceTopUp:
		return l.cfg.LogTopicBalanceTopUp
	case LogTypeOrderPaid:
		return l.cfg.LogTopicOrderPaid
	case LogTypeRejection:
		return l.cfg.LogTopicRejection
	case LogTypeReconciliation:
		return l.cfg.LogTopicReconciliation
	case LogTypePool:
		return l.cfg.LogTopicPool
	default:
		return 0
	}
}

func now() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
