// Package storetest holds the behavior every repository.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store from newStore in each subtest. Ids are random so
// backends with shared state can run it repeatedly.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("EnsureAccount", func(t *testing.T) { ensureAccount(t, newStore(t)) })
	t.Run("CreditAccount", func(t *testing.T) { creditAccount(t, newStore(t)) })
	t.Run("ConcurrentCredits", func(t *testing.T) { concurrentCredits(t, newStore(t)) })
	t.Run("DebitAccount", func(t *testing.T) { debitAccount(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { concurrentDebits(t, newStore(t)) })
	t.Run("Invoices", func(t *testing.T) { invoices(t, newStore(t)) })
	t.Run("Orders", func(t *testing.T) { orders(t, newStore(t)) })
	t.Run("DiscardCart", func(t *testing.T) { discardCart(t, newStore(t)) })
	t.Run("ProcessedEvents", func(t *testing.T) { processedEvents(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { notifications(t, newStore(t)) })
}

func accountID() int64 {
	return int64(uuid.New().ID()) + 1
}

func ensureAccount(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := accountID()

	a, created, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: id, FirstName: "Ann", Username: "ann"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, a.Balance.IsZero())
	assert.Equal(t, int64(0), a.Version)
	assert.Equal(t, []domain.Role{domain.RoleUser}, a.Roles)

	again, created, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: id, FirstName: "Other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ann", again.FirstName)

	require.NoError(t, s.SetAccountBan(ctx, id, true, "fraud"))
	a, err = s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Banned)
	assert.Equal(t, "fraud", a.BanReason)

	_, err = s.GetAccount(ctx, accountID())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.ErrorIs(t, s.SetAccountBan(ctx, accountID(), true, ""), domain.ErrAccountNotFound)
}

func creditAccount(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := accountID()
	_, _, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: id})
	require.NoError(t, err)

	inv := "inv-" + uuid.NewString()
	a, err := s.CreditAccount(ctx, id, 0, decimal.RequireFromString("2.50000001"), inv, "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("2.50000001")), a.Balance.String())

	_, err = s.CreditAccount(ctx, id, 1, decimal.NewFromInt(1), inv, "USDT")
	assert.ErrorIs(t, err, domain.ErrAlreadyCredited)

	_, err = s.CreditAccount(ctx, id, 0, decimal.NewFromInt(1), "inv-"+uuid.NewString(), "USDT")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	_, err = s.CreditAccount(ctx, accountID(), 0, decimal.NewFromInt(1), "inv-"+uuid.NewString(), "USDT")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	a, err = s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("2.50000001")))
}

// concurrentCredits retries on version conflicts the way settlement does and
// checks that no credit is lost.
func concurrentCredits(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := accountID()
	_, _, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: id})
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv := fmt.Sprintf("inv-%s-%d", uuid.NewString(), i)
			for {
				a, err := s.GetAccount(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				_, err = s.CreditAccount(ctx, id, a.Version, decimal.RequireFromString("1.25"), inv, "USDT")
				if err == nil {
					return
				}
				if !assert.ErrorIs(t, err, domain.ErrVersionConflict) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("12.5")), a.Balance.String())
	assert.Equal(t, int64(writers), a.Version)
}

func debitAccount(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := accountID()
	_, _, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: id})
	require.NoError(t, err)
	_, err = s.CreditAccount(ctx, id, 0, decimal.NewFromInt(10), "inv-"+uuid.NewString(), "USDT")
	require.NoError(t, err)

	key := "order:" + uuid.NewString()
	a, err := s.DebitAccount(ctx, id, 1, decimal.RequireFromString("7.5"), key, "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Version)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("2.5")), a.Balance.String())

	_, err = s.DebitAccount(ctx, id, 2, decimal.NewFromInt(1), key, "USDT")
	assert.ErrorIs(t, err, domain.ErrAlreadyDebited)

	_, err = s.DebitAccount(ctx, id, 2, decimal.NewFromInt(3), "order:"+uuid.NewString(), "USDT")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = s.DebitAccount(ctx, id, 1, decimal.NewFromInt(1), "order:"+uuid.NewString(), "USDT")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	a, err = s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Version)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("2.5")))
}

// concurrentDebits races more debits than the balance covers and checks the
// balance never goes below zero.
func concurrentDebits(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := accountID()
	_, _, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: id})
	require.NoError(t, err)
	_, err = s.CreditAccount(ctx, id, 0, decimal.NewFromInt(5), "inv-"+uuid.NewString(), "USDT")
	require.NoError(t, err)

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		declined int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("order:%s-%d", uuid.NewString(), i)
			for {
				a, err := s.GetAccount(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				_, err = s.DebitAccount(ctx, id, a.Version, decimal.NewFromInt(2), key, "USDT")
				if err == nil || errors.Is(err, domain.ErrInsufficientBalance) {
					mu.Lock()
					if err == nil {
						applied++
					} else {
						declined++
					}
					mu.Unlock()
					return
				}
				if !assert.ErrorIs(t, err, domain.ErrVersionConflict) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, applied)
	assert.Equal(t, writers-2, declined)
	a, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(1)), a.Balance.String())
}

func invoices(t *testing.T, s repository.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	owner := accountID()

	past := &domain.Invoice{
		ID:        "inv-" + uuid.NewString(),
		AccountID: owner,
		Amount:    decimal.RequireFromString("10.5"),
		Asset:     "USDT",
		Status:    domain.InvoiceStatusPending,
		Purpose:   domain.DepositPurpose(owner),
		PayURL:    "https://pay.example/1",
		ExpiresAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.CreateInvoice(ctx, past))
	assert.ErrorIs(t, s.CreateInvoice(ctx, past), domain.ErrAlreadyExists)

	future := *past
	future.ID = "inv-" + uuid.NewString()
	future.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, s.CreateInvoice(ctx, &future))

	got, err := s.GetInvoice(ctx, past.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositPurpose(owner), got.Purpose)
	assert.True(t, got.Amount.Equal(past.Amount))
	assert.Nil(t, got.PaidAt)

	expired, err := s.ListExpiredInvoices(ctx, now, 1000)
	require.NoError(t, err)
	assert.True(t, containsInvoice(expired, past.ID))
	assert.False(t, containsInvoice(expired, future.ID))

	paidAt := now
	inv, err := s.TransitionInvoice(ctx, future.ID, domain.InvoiceStatusPending, domain.InvoiceStatusPaid, domain.InvoicePatch{
		PaidEventID: "ev-1",
		PaidAmount:  decimal.RequireFromString("10.49"),
		PaidAt:      &paidAt,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, "ev-1", inv.PaidEventID)
	assert.True(t, inv.PaidAmount.Equal(decimal.RequireFromString("10.49")))
	require.NotNil(t, inv.PaidAt)

	_, err = s.TransitionInvoice(ctx, future.ID, domain.InvoiceStatusPending, domain.InvoiceStatusExpired, domain.InvoicePatch{})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = s.TransitionInvoice(ctx, "missing-"+uuid.NewString(), domain.InvoiceStatusPending, domain.InvoiceStatusExpired, domain.InvoicePatch{})
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func containsInvoice(list []*domain.Invoice, id string) bool {
	for _, inv := range list {
		if inv.ID == id {
			return true
		}
	}
	return false
}

func orders(t *testing.T, s repository.Store) {
	ctx := context.Background()
	items := []domain.LineItem{{ProductID: "p1", Name: "Key", Quantity: 3, UnitPrice: decimal.RequireFromString("1.1")}}
	o := &domain.Order{
		ID:        uuid.NewString(),
		AccountID: accountID(),
		Items:     items,
		Total:     domain.ComputeTotal(items),
		Asset:     "USDT",
		Status:    domain.OrderStatusCart,
	}
	require.NoError(t, s.CreateOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].UnitPrice.Equal(decimal.RequireFromString("1.1")))
	assert.True(t, got.Total.Equal(decimal.RequireFromString("3.3")))

	_, err = s.TransitionOrder(ctx, o.ID, domain.OrderStatusCart, domain.OrderStatusPaid, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	attached, err := s.AttachOrderInvoice(ctx, o.ID, "inv-a")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingPayment, attached.Status)
	assert.Equal(t, "inv-a", attached.InvoiceID)

	_, err = s.AttachOrderInvoice(ctx, o.ID, "inv-b")
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = s.TransitionOrder(ctx, o.ID, domain.OrderStatusPendingPayment, domain.OrderStatusPaid, "inv-b")
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	paid, err := s.TransitionOrder(ctx, o.ID, domain.OrderStatusPendingPayment, domain.OrderStatusPaid, "inv-a")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
	assert.Greater(t, paid.Version, attached.Version)

	_, err = s.GetOrder(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func discardCart(t *testing.T, s repository.Store) {
	ctx := context.Background()
	items := []domain.LineItem{{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(2)}}
	newOrder := func() *domain.Order {
		o := &domain.Order{
			ID:        uuid.NewString(),
			AccountID: accountID(),
			Items:     items,
			Total:     domain.ComputeTotal(items),
			Asset:     "USDT",
			Status:    domain.OrderStatusCart,
		}
		require.NoError(t, s.CreateOrder(ctx, o))
		return o
	}

	cart := newOrder()
	require.NoError(t, s.DiscardCart(ctx, cart.ID))
	_, err := s.GetOrder(ctx, cart.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.ErrorIs(t, s.DiscardCart(ctx, cart.ID), domain.ErrOrderNotFound)

	frozen := newOrder()
	_, err = s.AttachOrderInvoice(ctx, frozen.ID, "inv-"+uuid.NewString())
	require.NoError(t, err)
	assert.ErrorIs(t, s.DiscardCart(ctx, frozen.ID), domain.ErrStateConflict)
	_, err = s.GetOrder(ctx, frozen.ID)
	assert.NoError(t, err)
}

func processedEvents(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := "ev-" + uuid.NewString()
	ev := &domain.ProcessedEvent{
		EventID:     id,
		ProcessedAt: time.Now().UTC().Truncate(time.Millisecond),
		Outcome: domain.Outcome{
			EventID:   id,
			Status:    domain.OutcomeRejected,
			Reason:    domain.ReasonAmountMismatch,
			InvoiceID: "inv-1",
			AccountID: 42,
			Amount:    decimal.RequireFromString("9"),
			Asset:     "USDT",
		},
	}
	require.NoError(t, s.InsertProcessedEvent(ctx, ev))
	assert.ErrorIs(t, s.InsertProcessedEvent(ctx, ev), domain.ErrDuplicateEvent)

	got, err := s.GetProcessedEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, got.Outcome.Status)
	assert.Equal(t, domain.ReasonAmountMismatch, got.Outcome.Reason)
	assert.Equal(t, int64(42), got.Outcome.AccountID)
	assert.True(t, got.Outcome.Amount.Equal(decimal.NewFromInt(9)))

	_, err = s.GetProcessedEvent(ctx, "ev-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func notifications(t *testing.T, s repository.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	n := &domain.Notification{ID: uuid.NewString(), ChatID: 5, Text: "paid", NextAttemptAt: now}
	require.NoError(t, s.EnqueueNotification(ctx, n))

	due, err := s.DueNotifications(ctx, now, 1000)
	require.NoError(t, err)
	require.True(t, containsNotification(due, n.ID))

	require.NoError(t, s.RescheduleNotification(ctx, n.ID, now.Add(time.Minute), "all connections failed"))
	due, err = s.DueNotifications(ctx, now, 1000)
	require.NoError(t, err)
	assert.False(t, containsNotification(due, n.ID))

	due, err = s.DueNotifications(ctx, now.Add(2*time.Minute), 1000)
	require.NoError(t, err)
	require.True(t, containsNotification(due, n.ID))
	for _, d := range due {
		if d.ID == n.ID {
			assert.Equal(t, 1, d.Attempts)
			assert.Equal(t, "all connections failed", d.LastError)
		}
	}

	require.NoError(t, s.MarkNotificationDelivered(ctx, n.ID, now.Add(2*time.Minute)))
	due, err = s.DueNotifications(ctx, now.Add(time.Hour), 1000)
	require.NoError(t, err)
	assert.False(t, containsNotification(due, n.ID))

	assert.ErrorIs(t, s.MarkNotificationDelivered(ctx, "missing", now), domain.ErrNotificationNotFound)
}

func containsNotification(list []*domain.Notification, id string) bool {
	for _, n := range list {
		if n.ID == id {
			return true
		}
	}
	return false
}
