package botpool

import (
	"context"
	"time"

	"github.com/go-telegram/bot/models"
)

type State string

const (
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateBanned   State = "banned"
	StateStopped  State = "stopped"
)

// Message is an outbound chat message.
type Message struct {
	ChatID      int64
	Text        string
	ParseMode   models.ParseMode
	ThreadID    int
	ReplyMarkup models.ReplyMarkup
}

// Client is one live session with the chat platform for a single credential.
type Client interface {
	// Handshake verifies the credential and returns the bot's username.
	Handshake(ctx context.Context) (string, error)
	Send(ctx context.Context, msg Message) error
	// Run receives updates until ctx is done.
	Run(ctx context.Context)
}

// UpdateHandler receives every update a Client pulls from the platform.
type UpdateHandler func(ctx context.Context, update *models.Update)

// ClientFactory builds a Client for token that feeds onUpdate.
type ClientFactory func(token string, onUpdate UpdateHandler) (Client, error)

// ConnectionInfo is a read-only copy of a connection's state.
type ConnectionInfo struct {
	ID            int       `json:"id"`
	Label         string    `json:"label"`
	Username      string    `json:"username,omitempty"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastFailure   time.Time `json:"last_failure"`
	LastError     string    `json:"last_error,omitempty"`
}

type connection struct {
	id            int
	token         string
	label         string
	client        Client
	username      string
	state         State
	failures      int
	lastHeartbeat time.Time
	lastFailure   time.Time
	lastError     string
	stopPolling   context.CancelFunc
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:            c.id,
		Label:         c.label,
		Username:      c.username,
		State:         c.state,
		Failures:      c.failures,
		LastHeartbeat: c.lastHeartbeat,
		LastFailure:   c.lastFailure,
		LastError:     c.lastError,
	}
}

// maskToken keeps the bot id part of a token and hides the secret.
func maskToken(token string) string {
	for i := 0; i < len(token); i++ {
		if token[i] == ':' {
			return token[:i] + ":***"
		}
	}
	if len(token) <= 4 {
		return "***"
	}
	return token[:4] + "***"
}
