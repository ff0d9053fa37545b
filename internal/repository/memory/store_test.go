package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/set-night/shopbot/internal/repository/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureAccountCreatesOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, created, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: 7, FirstName: "Ann"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, a.Balance.IsZero())
	assert.Equal(t, []domain.Role{domain.RoleUser}, a.Roles)

	a2, created, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: 7, FirstName: "Other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ann", a2.FirstName)
}

func TestCreditAccountIsVersionGuarded(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: 1})
	require.NoError(t, err)

	a, err := s.CreditAccount(ctx, 1, 0, decimal.NewFromInt(5), "inv-1", "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(5)))

	_, err = s.CreditAccount(ctx, 1, 0, decimal.NewFromInt(5), "inv-2", "USDT")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	_, err = s.CreditAccount(ctx, 1, 1, decimal.NewFromInt(5), "inv-1", "USDT")
	assert.ErrorIs(t, err, domain.ErrAlreadyCredited)

	_, err = s.CreditAccount(ctx, 99, 0, decimal.NewFromInt(5), "inv-3", "USDT")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	got, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(5)))
	assert.Len(t, s.Credits(1), 1)
}

func TestCreditAccountConcurrentWritersSerializeOnVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _, err := s.EnsureAccount(ctx, domain.AccountProfile{ID: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreditAccount(ctx, 1, 0, decimal.NewFromInt(1), "inv-"+string(rune('a'+i)), "USDT")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestTransitionInvoiceGuardsStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateInvoice(ctx, &domain.Invoice{ID: "inv", Status: domain.InvoiceStatusPending}))
	assert.ErrorIs(t, s.CreateInvoice(ctx, &domain.Invoice{ID: "inv"}), domain.ErrAlreadyExists)

	inv, err := s.TransitionInvoice(ctx, "inv", domain.InvoiceStatusPending, domain.InvoiceStatusPaid, domain.InvoicePatch{
		PaidEventID: "evt",
		PaidAmount:  decimal.NewFromInt(3),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, "evt", inv.PaidEventID)

	_, err = s.TransitionInvoice(ctx, "inv", domain.InvoiceStatusPending, domain.InvoiceStatusExpired, domain.InvoicePatch{})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = s.TransitionInvoice(ctx, "missing", domain.InvoiceStatusPending, domain.InvoiceStatusPaid, domain.InvoicePatch{})
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestListExpiredInvoices(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.CreateInvoice(ctx, &domain.Invoice{ID: "old", Status: domain.InvoiceStatusPending, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateInvoice(ctx, &domain.Invoice{ID: "fresh", Status: domain.InvoiceStatusPending, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.CreateInvoice(ctx, &domain.Invoice{ID: "paid", Status: domain.InvoiceStatusPaid, ExpiresAt: now.Add(-time.Minute)}))

	got, err := s.ListExpiredInvoices(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestOrderTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateOrder(ctx, &domain.Order{ID: "o1", AccountID: 1, Status: domain.OrderStatusCart}))

	o, err := s.AttachOrderInvoice(ctx, "o1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingPayment, o.Status)

	_, err = s.AttachOrderInvoice(ctx, "o1", "inv-2")
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	_, err = s.TransitionOrder(ctx, "o1", domain.OrderStatusPendingPayment, domain.OrderStatusPaid, "inv-other")
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	o, err = s.TransitionOrder(ctx, "o1", domain.OrderStatusPendingPayment, domain.OrderStatusPaid, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, o.Status)
	assert.Equal(t, int64(2), o.Version)

	_, err = s.TransitionOrder(ctx, "o1", domain.OrderStatusPaid, domain.OrderStatusCart, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestProcessedEventsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	ev := &domain.ProcessedEvent{EventID: "e1", Outcome: domain.Outcome{Status: domain.OutcomeApplied}}
	require.NoError(t, s.InsertProcessedEvent(ctx, ev))
	assert.ErrorIs(t, s.InsertProcessedEvent(ctx, &domain.ProcessedEvent{EventID: "e1"}), domain.ErrDuplicateEvent)

	got, err := s.GetProcessedEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, got.Outcome.Status)

	_, err = s.GetProcessedEvent(ctx, "e2")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestNotificationQueue(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.EnqueueNotification(ctx, &domain.Notification{ID: "n1", ChatID: 1, Text: "hi", NextAttemptAt: now}))
	require.NoError(t, s.EnqueueNotification(ctx, &domain.Notification{ID: "n2", ChatID: 1, Text: "later", NextAttemptAt: now.Add(time.Hour)}))

	due, err := s.DueNotifications(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "n1", due[0].ID)

	require.NoError(t, s.RescheduleNotification(ctx, "n1", now.Add(time.Minute), "boom"))
	due, err = s.DueNotifications(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.MarkNotificationDelivered(ctx, "n2", now))
	due, err = s.DueNotifications(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "n1", due[0].ID)
	assert.Equal(t, 1, due[0].Attempts)

	assert.ErrorIs(t, s.MarkNotificationDelivered(ctx, "nope", now), domain.ErrNotificationNotFound)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) repository.Store { return New() })
}
