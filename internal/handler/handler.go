package handler

import (
	"context"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/service"
)

// PoolStatus reports the state of the bot connections.
type PoolStatus interface {
	Snapshot() []botpool.ConnectionInfo
}

// Handler holds all dependencies needed by command and callback handlers.
type Handler struct {
	accounts *service.AccountService
	payments *service.PaymentService
	orders   *service.OrderService
	pool     PoolStatus

	commands  map[string]botpool.HandlerFunc
	callbacks []callbackRoute
}

type callbackRoute struct {
	prefix string
	fn     botpool.HandlerFunc
}

// Deps contains all dependencies required to construct a Handler.
type Deps struct {
	Accounts *service.AccountService
	Payments *service.PaymentService
	Orders   *service.OrderService
	Pool     PoolStatus
}

// New creates a new Handler with its routes registered.
func New(deps Deps) *Handler {
	h := &Handler{
		accounts: deps.Accounts,
		payments: deps.Payments,
		orders:   deps.Orders,
		pool:     deps.Pool,
		commands: make(map[string]botpool.HandlerFunc),
	}
	h.Register()
	return h
}

func (h *Handler) command(name string, fn botpool.HandlerFunc) {
	h.commands[name] = fn
}

func (h *Handler) callback(prefix string, fn botpool.HandlerFunc) {
	h.callbacks = append(h.callbacks, callbackRoute{prefix: prefix, fn: fn})
}

// Handle routes an update to the matching command or callback handler.
// Anything unmatched is ignored.
func (h *Handler) Handle(ctx context.Context, s botpool.Sender, update *models.Update) {
	switch {
	case update.Message != nil:
		if fn, ok := h.commands[commandOf(update.Message.Text)]; ok {
			fn(ctx, s, update)
		}
	case update.CallbackQuery != nil:
		data := update.CallbackQuery.Data
		for _, r := range h.callbacks {
			if strings.HasPrefix(data, r.prefix) {
				r.fn(ctx, s, update)
				return
			}
		}
	}
}

// commandOf returns the command word of text without any @botname suffix.
func commandOf(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd)
}

// args returns the words after the command.
func args(text string) []string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return nil
	}
	return fields[1:]
}

func chatOf(update *models.Update) int64 {
	if update.Message != nil {
		return update.Message.Chat.ID
	}
	if update.CallbackQuery != nil && update.CallbackQuery.Message.Message != nil {
		return update.CallbackQuery.Message.Message.Chat.ID
	}
	return 0
}
