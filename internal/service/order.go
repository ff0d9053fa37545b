package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
)

// ledgerRetries bounds the reload loop on balance version conflicts.
const ledgerRetries = 5

// OrderPaidHook is told when an order is paid outside settlement.
type OrderPaidHook interface {
	OnOrderPaid(ctx context.Context, order *domain.Order)
}

type OrderService struct {
	orders   repository.OrderStore
	accounts repository.AccountStore
	payments *PaymentService
	paid     OrderPaidHook
	now      func() time.Time
}

// NewOrderService wires the order flows. paid may be nil.
func NewOrderService(orders repository.OrderStore, accounts repository.AccountStore, payments *PaymentService, paid OrderPaidHook) *OrderService {
	return &OrderService{orders: orders, accounts: accounts, payments: payments, paid: paid, now: time.Now}
}

func debitKey(orderID string) string    { return "order:" + orderID }
func refundKey(orderID string) string   { return "refund:" + orderID }
func reversalKey(orderID string) string { return "order:" + orderID + ":reversal" }

// CreateCart opens a cart order for accountID with a snapshot of items.
func (s *OrderService) CreateCart(ctx context.Context, accountID int64, items []domain.LineItem) (*domain.Order, error) {
	if len(items) == 0 {
		return nil, errors.New("cart is empty")
	}
	for _, li := range items {
		if li.Quantity <= 0 || !li.UnitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: line item %s", domain.ErrInvalidAmount, li.ProductID)
		}
	}

	now := s.now()
	o := &domain.Order{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Items:     items,
		Total:     domain.ComputeTotal(items),
		Asset:     config.DefaultAsset,
		Status:    domain.OrderStatusCart,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func (s *OrderService) Get(ctx context.Context, accountID int64, orderID string) (*domain.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.AccountID != accountID {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

// Checkout freezes a cart order and issues its invoice. The order only
// reaches paid through settlement of that invoice.
func (s *OrderService) Checkout(ctx context.Context, accountID int64, orderID string) (*domain.Order, *domain.Invoice, error) {
	o, err := s.Get(ctx, accountID, orderID)
	if err != nil {
		return nil, nil, err
	}
	if o.Status != domain.OrderStatusCart {
		return nil, nil, fmt.Errorf("%w: order is %s", domain.ErrStateConflict, o.Status)
	}

	inv, err := s.payments.CreateOrderInvoice(ctx, o)
	if err != nil {
		return nil, nil, err
	}
	o, err = s.orders.AttachOrderInvoice(ctx, o.ID, inv.ID)
	if err != nil {
		// The unused invoice expires on its own.
		return nil, nil, fmt.Errorf("attach invoice: %w", err)
	}
	return o, inv, nil
}

// Cancel discards a cart or cancels an order awaiting payment. The returned
// order is nil when a cart was discarded.
func (s *OrderService) Cancel(ctx context.Context, accountID int64, orderID string) (*domain.Order, error) {
	o, err := s.Get(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == domain.OrderStatusCart {
		if err := s.orders.DiscardCart(ctx, o.ID); err != nil {
			return nil, fmt.Errorf("discard cart: %w", err)
		}
		return nil, nil
	}
	if o.Status != domain.OrderStatusPendingPayment {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, o.Status, domain.OrderStatusCancelled)
	}
	return s.orders.TransitionOrder(ctx, o.ID, o.Status, domain.OrderStatusCancelled, "")
}

// PayWithBalance settles a cart from the account balance. Orders already
// checked out are paid through their invoice. The debit is keyed by the order
// so concurrent requests take the money once; if the order moved on before it
// could be marked paid, the debit is reversed.
func (s *OrderService) PayWithBalance(ctx context.Context, accountID int64, orderID string) (*domain.Order, *domain.Account, error) {
	o, err := s.Get(ctx, accountID, orderID)
	if err != nil {
		return nil, nil, err
	}
	if o.Status != domain.OrderStatusCart {
		return nil, nil, fmt.Errorf("%w: order is %s", domain.ErrStateConflict, o.Status)
	}

	account, err := s.applyLedger(ctx, accountID, func(a *domain.Account) (*domain.Account, error) {
		return s.accounts.DebitAccount(ctx, a.ID, a.Version, o.Total, debitKey(o.ID), o.Asset)
	})
	if errors.Is(err, domain.ErrAlreadyDebited) {
		return nil, nil, fmt.Errorf("%w: order already paid from balance", domain.ErrStateConflict)
	}
	if err != nil {
		return nil, nil, err
	}

	paid, err := s.markPaidFromBalance(ctx, o)
	if err != nil {
		if rerr := s.reverseDebit(ctx, o); rerr != nil {
			return nil, nil, errors.Join(err, rerr)
		}
		return nil, nil, err
	}

	slog.Info("order paid from balance", "order_id", paid.ID, "account_id", accountID, "total", paid.Total.String())
	if s.paid != nil {
		s.paid.OnOrderPaid(ctx, paid)
	}
	return paid, account, nil
}

// markPaidFromBalance freezes the cart against a synthetic invoice id so a
// racing checkout cannot bind a real invoice to it.
func (s *OrderService) markPaidFromBalance(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	invoiceID := "balance:" + o.ID
	if _, err := s.orders.AttachOrderInvoice(ctx, o.ID, invoiceID); err != nil {
		return nil, fmt.Errorf("freeze order: %w", err)
	}
	paid, err := s.orders.TransitionOrder(ctx, o.ID, domain.OrderStatusPendingPayment, domain.OrderStatusPaid, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	return paid, nil
}

func (s *OrderService) reverseDebit(ctx context.Context, o *domain.Order) error {
	_, err := s.applyLedger(ctx, o.AccountID, func(a *domain.Account) (*domain.Account, error) {
		return s.accounts.CreditAccount(ctx, a.ID, a.Version, o.Total, reversalKey(o.ID), o.Asset)
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyCredited) {
		slog.Error("failed to reverse order debit", "order_id", o.ID, "account_id", o.AccountID, "error", err)
		return fmt.Errorf("reverse debit for order %s: %w", o.ID, err)
	}
	return nil
}

// Refund moves a paid order to refunded and returns its total to the owner's
// balance. Repeating it, or racing it, credits the balance once.
func (s *OrderService) Refund(ctx context.Context, orderID string) (*domain.Order, *domain.Account, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	switch o.Status {
	case domain.OrderStatusPaid:
		refunded, err := s.orders.TransitionOrder(ctx, o.ID, domain.OrderStatusPaid, domain.OrderStatusRefunded, "")
		switch {
		case err == nil:
			o = refunded
		case errors.Is(err, domain.ErrStateConflict):
			// A concurrent refund may have won; anything else is a real conflict.
			current, gerr := s.orders.GetOrder(ctx, orderID)
			if gerr != nil {
				return nil, nil, gerr
			}
			if current.Status != domain.OrderStatusRefunded {
				return nil, nil, fmt.Errorf("%w: order is %s", domain.ErrStateConflict, current.Status)
			}
			o = current
		default:
			return nil, nil, err
		}
	case domain.OrderStatusRefunded:
	default:
		return nil, nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, o.Status)
	}

	account, err := s.applyLedger(ctx, o.AccountID, func(a *domain.Account) (*domain.Account, error) {
		return s.accounts.CreditAccount(ctx, a.ID, a.Version, o.Total, refundKey(o.ID), o.Asset)
	})
	if errors.Is(err, domain.ErrAlreadyCredited) {
		account, err = s.accounts.GetAccount(ctx, o.AccountID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("refund order %s: %w", o.ID, err)
	}
	slog.Info("order refunded", "order_id", o.ID, "account_id", o.AccountID, "total", o.Total.String())
	return o, account, nil
}

// applyLedger runs one guarded balance write, reloading the account on
// version conflicts.
func (s *OrderService) applyLedger(ctx context.Context, accountID int64, write func(*domain.Account) (*domain.Account, error)) (*domain.Account, error) {
	for attempt := 0; attempt < ledgerRetries; attempt++ {
		a, err := s.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		updated, err := write(a)
		if !errors.Is(err, domain.ErrVersionConflict) {
			return updated, err
		}
		slog.Debug("balance version conflict", "account_id", accountID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrVersionConflict)
}
