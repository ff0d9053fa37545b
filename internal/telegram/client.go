package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/domain"
)

// Client is a botpool.Client backed by one go-telegram bot instance.
type Client struct {
	bot      *bot.Bot
	onUpdate botpool.UpdateHandler
}

// NewClientFactory returns a factory that builds long-polling Telegram clients.
// Extra options are applied after the defaults.
func NewClientFactory(opts ...bot.Option) botpool.ClientFactory {
	return func(token string, onUpdate botpool.UpdateHandler) (botpool.Client, error) {
		c := &Client{onUpdate: onUpdate}
		all := append([]bot.Option{
			bot.WithSkipGetMe(),
			bot.WithDefaultHandler(c.handle),
			bot.WithErrorsHandler(func(err error) {
				slog.Warn("telegram polling error", "error", err)
			}),
		}, opts...)

		b, err := bot.New(token, all...)
		if err != nil {
			return nil, fmt.Errorf("create bot: %w", Classify(err))
		}
		c.bot = b
		return c, nil
	}
}

func (c *Client) handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if c.onUpdate != nil {
		c.onUpdate(ctx, update)
	}
}

func (c *Client) Handshake(ctx context.Context) (string, error) {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("get me: %w", Classify(err))
	}
	return me.Username, nil
}

func (c *Client) Send(ctx context.Context, msg botpool.Message) error {
	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          msg.ChatID,
		Text:            msg.Text,
		ParseMode:       msg.ParseMode,
		MessageThreadID: msg.ThreadID,
		ReplyMarkup:     msg.ReplyMarkup,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", Classify(err))
	}
	return nil
}

// Run long-polls for updates until ctx is done.
func (c *Client) Run(ctx context.Context) {
	c.bot.Start(ctx)
}

// Classify maps Telegram API errors onto the delivery error kinds the pool
// understands: a rejected token, a recipient-level refusal, or anything else
// as a connection failure.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bot.ErrorUnauthorized), errors.Is(err, bot.ErrorNotFound):
		return fmt.Errorf("%w: %w", domain.ErrCredentialRevoked, err)
	case errors.Is(err, bot.ErrorForbidden), errors.Is(err, bot.ErrorBadRequest):
		return fmt.Errorf("%w: %w", domain.ErrRecipientUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
}
