package botpool

import (
	"context"

	"github.com/go-telegram/bot/models"
)

// Sender delivers messages through whichever connection is available.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// HandlerFunc handles an update independently of the connection that received it.
type HandlerFunc func(ctx context.Context, s Sender, update *models.Update)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that the first middleware runs outermost.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
