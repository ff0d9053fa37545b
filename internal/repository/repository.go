package repository

import (
	"context"
	"time"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/shopspring/decimal"
)

type AccountStore interface {
	// EnsureAccount returns the account for profile.ID, creating it on first contact.
	EnsureAccount(ctx context.Context, profile domain.AccountProfile) (*domain.Account, bool, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	// CreditAccount adds amount to the balance and records a credit for invoiceID
	// in one conditional write. It fails with domain.ErrVersionConflict when the
	// stored version differs from expectedVersion and with domain.ErrAlreadyCredited
	// when invoiceID was credited before.
	CreditAccount(ctx context.Context, accountID, expectedVersion int64, amount decimal.Decimal, invoiceID, asset string) (*domain.Account, error)
	// DebitAccount subtracts amount under the same guards, recording the entry
	// under key. It fails with domain.ErrAlreadyDebited when key was used before
	// and with domain.ErrInsufficientBalance when the balance would go negative.
	DebitAccount(ctx context.Context, accountID, expectedVersion int64, amount decimal.Decimal, key, asset string) (*domain.Account, error)
	SetAccountBan(ctx context.Context, id int64, banned bool, reason string) error
}

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	// TransitionInvoice moves the invoice from one status to another and fails
	// with domain.ErrStateConflict if it is no longer in from.
	TransitionInvoice(ctx context.Context, id string, from, to domain.InvoiceStatus, patch domain.InvoicePatch) (*domain.Invoice, error)
	ListExpiredInvoices(ctx context.Context, now time.Time, limit int) ([]*domain.Invoice, error)
}

type OrderStore interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// AttachOrderInvoice freezes a cart order as pending_payment against invoiceID.
	AttachOrderInvoice(ctx context.Context, id, invoiceID string) (*domain.Order, error)
	// TransitionOrder is guarded by the current status and, when invoiceID is
	// non-empty, by the invoice the order is bound to.
	TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, invoiceID string) (*domain.Order, error)
	// DiscardCart deletes an order that is still a cart and fails with
	// domain.ErrStateConflict otherwise.
	DiscardCart(ctx context.Context, id string) error
}

type EventStore interface {
	// InsertProcessedEvent fails with domain.ErrDuplicateEvent if the id exists.
	InsertProcessedEvent(ctx context.Context, ev *domain.ProcessedEvent) error
	GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error)
}

type NotificationStore interface {
	EnqueueNotification(ctx context.Context, n *domain.Notification) error
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id string, at time.Time) error
	RescheduleNotification(ctx context.Context, id string, next time.Time, lastErr string) error
}

// Store is the ledger: every collection the settlement engine and the
// command layer share.
type Store interface {
	AccountStore
	InvoiceStore
	OrderStore
	EventStore
	NotificationStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
