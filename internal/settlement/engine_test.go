package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/set-night/shopbot/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (f *fakeNotifier) Notify(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, fmt.Sprintf("%d:%s", chatID, text))
	return nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type recordingAlerts struct {
	mu         sync.Mutex
	rejections []domain.Outcome
	reconciles []error
}

func (r *recordingAlerts) LogRejection(_ domain.PaymentEvent, o domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, o)
}

func (r *recordingAlerts) LogReconciliation(_ domain.PaymentEvent, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciles = append(r.reconciles, err)
}

type recordingFulfillment struct {
	mu       sync.Mutex
	orders   []string
	credited []decimal.Decimal
	balances []decimal.Decimal
}

func (r *recordingFulfillment) OnOrderPaid(_ context.Context, o *domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o.ID)
}

func (r *recordingFulfillment) OnBalanceCredited(_ context.Context, a *domain.Account, amount decimal.Decimal, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credited = append(r.credited, amount)
	r.balances = append(r.balances, a.Balance)
}

type fixture struct {
	store       *memory.Store
	notifier    *fakeNotifier
	alerts      *recordingAlerts
	fulfillment *recordingFulfillment
	engine      *Engine
}

func newFixture(t *testing.T, retries int) *fixture {
	t.Helper()
	f := &fixture{
		store:       memory.New(),
		notifier:    &fakeNotifier{},
		alerts:      &recordingAlerts{},
		fulfillment: &recordingFulfillment{},
	}
	f.engine = f.newEngine(f.store, retries)
	return f
}

func (f *fixture) newEngine(store repository.Store, retries int) *Engine {
	return NewEngine(Deps{
		Store:       store,
		Notifier:    f.notifier,
		Fulfillment: f.fulfillment,
		Alerts:      f.alerts,
	}, Config{Tolerance: dec("0.005"), ConflictRetries: retries})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) account(t *testing.T, id int64) {
	t.Helper()
	_, _, err := f.store.EnsureAccount(context.Background(), domain.AccountProfile{ID: id})
	require.NoError(t, err)
}

func (f *fixture) depositInvoice(t *testing.T, id string, accountID int64, amount string) {
	t.Helper()
	require.NoError(t, f.store.CreateInvoice(context.Background(), &domain.Invoice{
		ID:        id,
		AccountID: accountID,
		Amount:    dec(amount),
		Asset:     "USDT",
		Status:    domain.InvoiceStatusPending,
		Purpose:   domain.DepositPurpose(accountID),
		ExpiresAt: time.Now().Add(time.Hour),
	}))
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func paid(eventID, invoiceID, amount string) domain.PaymentEvent {
	return domain.PaymentEvent{
		ID:        eventID,
		Provider:  "test",
		Type:      domain.EventInvoicePaid,
		InvoiceID: invoiceID,
		Amount:    dec(amount),
		Asset:     "USDT",
	}
}

func TestDepositReplayIsNoop(t *testing.T) {
	f := newFixture(t, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "10")
	ctx := context.Background()

	first, err := f.engine.SettleEvent(ctx, paid("e1", "inv-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, first.Status)
	assert.Equal(t, int64(1), first.AccountID)

	second, err := f.engine.SettleEvent(ctx, paid("e1", "inv-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.True(t, f.balance(t, 1).Equal(dec("10")))
	assert.Len(t, f.notifier.sent(), 1)
	assert.Len(t, f.fulfillment.credited, 1)
	assert.Equal(t, 1, f.store.ProcessedEventCount())

	inv, err := f.store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, "e1", inv.PaidEventID)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t, 50)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "7.5")

	var wg sync.WaitGroup
	outcomes := make([]domain.Outcome, 16)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := f.engine.SettleEvent(context.Background(), paid("dup", "inv-1", "7.5"))
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	for _, o := range outcomes {
		assert.Equal(t, domain.OutcomeApplied, o.Status)
	}
	assert.True(t, f.balance(t, 1).Equal(dec("7.5")))
	assert.Len(t, f.notifier.sent(), 1)
	assert.Equal(t, 1, f.store.ProcessedEventCount())
}

func TestConcurrentDepositsNeverLoseUpdates(t *testing.T) {
	const n = 25
	f := newFixture(t, 10*n)
	f.account(t, 1)
	for i := 0; i < n; i++ {
		f.depositInvoice(t, fmt.Sprintf("inv-%d", i), 1, "2.5")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := f.engine.SettleEvent(context.Background(), paid(fmt.Sprintf("e-%d", i), fmt.Sprintf("inv-%d", i), "2.5"))
			assert.NoError(t, err)
			assert.Equal(t, domain.OutcomeApplied, o.Status)
		}(i)
	}
	wg.Wait()

	assert.True(t, f.balance(t, 1).Equal(dec("62.5")), "balance %s", f.balance(t, 1))
	assert.Len(t, f.store.Credits(1), n)
}

func TestPaidAfterExpiryIsStale(t *testing.T) {
	f := newFixture(t, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "10")
	ctx := context.Background()

	expired, err := f.engine.SettleEvent(ctx, domain.PaymentEvent{ID: "x1", Type: domain.EventInvoiceExpired, InvoiceID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, expired.Status)
	assert.Equal(t, domain.ReasonInvoiceExpired, expired.Reason)

	o, err := f.engine.SettleEvent(ctx, paid("p1", "inv-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, o.Status)
	assert.Equal(t, domain.ReasonStaleInvoice, o.Reason)
	assert.True(t, f.balance(t, 1).IsZero())
	require.Len(t, f.alerts.rejections, 1)
	assert.Empty(t, f.notifier.sent())
}

func TestAmountOutsideToleranceIsRejected(t *testing.T) {
	f := newFixture(t, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "10.00")
	ctx := context.Background()

	o, err := f.engine.SettleEvent(ctx, paid("e1", "inv-1", "9.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, o.Status)
	assert.Equal(t, domain.ReasonAmountMismatch, o.Reason)
	assert.True(t, f.balance(t, 1).IsZero())
	require.Len(t, f.alerts.rejections, 1)

	inv, err := f.store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status)

	o, err = f.engine.SettleEvent(ctx, paid("e2", "inv-1", "9.96"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, o.Status)
	assert.True(t, f.balance(t, 1).Equal(dec("9.96")))
}

func TestAssetMismatchIsRejected(t *testing.T) {
	f := newFixture(t, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "10")

	ev := paid("e1", "inv-1", "10")
	ev.Asset = "TON"
	o, err := f.engine.SettleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAssetMismatch, o.Reason)
	assert.True(t, f.balance(t, 1).IsZero())
}

func TestMissingInvoiceIsStale(t *testing.T) {
	f := newFixture(t, 5)
	o, err := f.engine.SettleEvent(context.Background(), paid("e1", "nope", "1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, o.Status)
	assert.Equal(t, domain.ReasonStaleInvoice, o.Reason)
}

func TestUnknownTypeIsIgnored(t *testing.T) {
	f := newFixture(t, 5)
	o, err := f.engine.SettleEvent(context.Background(), domain.PaymentEvent{ID: "u1", Type: "invoice_refunded"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, o.Status)
	assert.Equal(t, domain.ReasonUnknownType, o.Reason)
	assert.Equal(t, 1, f.store.ProcessedEventCount())
}

func TestInvalidEventIsNotRecorded(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.engine.SettleEvent(context.Background(), paid("", "inv-1", "1"))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = f.engine.SettleEvent(context.Background(), paid("e1", "inv-1", "0"))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	assert.Zero(t, f.store.ProcessedEventCount())
}

func (f *fixture) pendingOrder(t *testing.T, orderID, invoiceID string, accountID int64, total string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrder(ctx, &domain.Order{
		ID:        orderID,
		AccountID: accountID,
		Items:     []domain.LineItem{{ProductID: "p1", Name: "Item", Quantity: 1, UnitPrice: dec(total)}},
		Total:     dec(total),
		Asset:     "USDT",
		Status:    domain.OrderStatusCart,
	}))
	_, err := f.store.AttachOrderInvoice(ctx, orderID, invoiceID)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateInvoice(ctx, &domain.Invoice{
		ID:        invoiceID,
		AccountID: accountID,
		Amount:    dec(total),
		Asset:     "USDT",
		Status:    domain.InvoiceStatusPending,
		Purpose:   domain.OrderPurpose(accountID, orderID),
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}))
}

func TestOrderSettlement(t *testing.T) {
	f := newFixture(t, 5)
	f.account(t, 3)
	f.pendingOrder(t, "ord-1", "inv-o", 3, "15")
	ctx := context.Background()

	o, err := f.engine.SettleEvent(ctx, paid("e1", "inv-o", "15"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, o.Status)
	assert.Equal(t, "ord-1", o.OrderID)

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, []string{"ord-1"}, f.fulfillment.orders)
	assert.True(t, f.balance(t, 3).IsZero(), "order payments do not touch the balance")
}

func TestOrderCancelledBeforePaymentIsStale(t *testing.T) {
	f := newFixture(t, 5)
	f.pendingOrder(t, "ord-1", "inv-o", 3, "15")
	ctx := context.Background()
	_, err := f.store.TransitionOrder(ctx, "ord-1", domain.OrderStatusPendingPayment, domain.OrderStatusCancelled, "")
	require.NoError(t, err)

	o, err := f.engine.SettleEvent(ctx, paid("e1", "inv-o", "15"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStaleInvoice, o.Reason)
	assert.Empty(t, f.fulfillment.orders)

	inv, err := f.store.GetInvoice(ctx, "inv-o")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status)
}

func TestAllFailedNotificationIsQueued(t *testing.T) {
	f := newFixture(t, 5)
	f.notifier.err = fmt.Errorf("%w: 2 connections", domain.ErrAllFailed)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "5")
	ctx := context.Background()

	o, err := f.engine.SettleEvent(ctx, paid("e1", "inv-1", "5"))
	require.NoError(t, err, "delivery failure never fails settlement")
	assert.Equal(t, domain.OutcomeApplied, o.Status)

	due, err := f.store.DueNotifications(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].ChatID)
	assert.Contains(t, due[0].Text, "5 USDT")
}

func TestRederiveAfterCrash(t *testing.T) {
	f := newFixture(t, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "4")
	ctx := context.Background()
	_, err := f.store.CreditAccount(ctx, 1, 0, dec("4"), "inv-1", "USDT")
	require.NoError(t, err)
	_, err = f.store.TransitionInvoice(ctx, "inv-1", domain.InvoiceStatusPending, domain.InvoiceStatusPaid, domain.InvoicePatch{PaidEventID: "e1", PaidAmount: dec("4")})
	require.NoError(t, err)

	o, err := f.engine.SettleEvent(ctx, paid("e1", "inv-1", "4"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, o.Status)
	assert.True(t, f.balance(t, 1).Equal(dec("4")))
	assert.Equal(t, 1, f.store.ProcessedEventCount())

	o, err = f.engine.SettleEvent(ctx, paid("e2", "inv-1", "4"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStaleInvoice, o.Reason)
}

// conflictStore makes the first n credits fail with a version conflict.
type conflictStore struct {
	*memory.Store
	remaining atomic.Int64
}

func (c *conflictStore) CreditAccount(ctx context.Context, accountID, expectedVersion int64, amount decimal.Decimal, invoiceID, asset string) (*domain.Account, error) {
	if c.remaining.Add(-1) >= 0 {
		return nil, domain.ErrVersionConflict
	}
	return c.Store.CreditAccount(ctx, accountID, expectedVersion, amount, invoiceID, asset)
}

// gatedStore parks the invoice transition of one event id until released.
type gatedStore struct {
	*memory.Store
	eventID string
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) TransitionInvoice(ctx context.Context, id string, from, to domain.InvoiceStatus, patch domain.InvoicePatch) (*domain.Invoice, error) {
	if patch.PaidEventID == g.eventID {
		close(g.reached)
		<-g.release
	}
	return g.Store.TransitionInvoice(ctx, id, from, to, patch)
}

func TestRacingEventIDsCreditOnceWithoutRejection(t *testing.T) {
	f := newFixture(t, 5)
	gs := &gatedStore{Store: f.store, eventID: "eA", reached: make(chan struct{}), release: make(chan struct{})}
	engine := f.newEngine(gs, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "10")
	ctx := context.Background()

	type result struct {
		outcome domain.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := engine.SettleEvent(ctx, paid("eA", "inv-1", "10"))
		done <- result{o, err}
	}()

	select {
	case <-gs.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("first event never reached the invoice transition")
	}

	b, err := engine.SettleEvent(ctx, paid("eB", "inv-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, b.Status)

	close(gs.release)
	a := <-done
	require.NoError(t, a.err)
	assert.Equal(t, domain.OutcomeApplied, a.outcome.Status, "the event that moved the money is not rejected")

	assert.True(t, f.balance(t, 1).Equal(dec("10")))
	assert.Empty(t, f.alerts.rejections)
	require.Len(t, f.alerts.reconciles, 1)
	assert.Contains(t, f.alerts.reconciles[0].Error(), "closed by event eB")
	assert.Len(t, f.notifier.sent(), 1, "the user hears about the deposit once")

	require.Len(t, f.fulfillment.balances, 1)
	assert.True(t, f.fulfillment.balances[0].Equal(dec("10")), "reported balance includes the credit")

	inv, err := f.store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "eB", inv.PaidEventID)
}

func TestAlreadyCreditedReportsCurrentBalance(t *testing.T) {
	f := newFixture(t, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "4")
	ctx := context.Background()
	_, err := f.store.CreditAccount(ctx, 1, 0, dec("4"), "inv-1", "USDT")
	require.NoError(t, err)

	o, err := f.engine.SettleEvent(ctx, paid("e1", "inv-1", "4"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, o.Status)
	assert.True(t, f.balance(t, 1).Equal(dec("4")), "no second credit")
	require.Len(t, f.fulfillment.balances, 1)
	assert.True(t, f.fulfillment.balances[0].Equal(dec("4")))
}

func TestVersionConflictIsRetried(t *testing.T) {
	f := newFixture(t, 5)
	cs := &conflictStore{Store: f.store}
	cs.remaining.Store(3)
	engine := f.newEngine(cs, 5)
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "10")

	o, err := engine.SettleEvent(context.Background(), paid("e1", "inv-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, o.Status)
	assert.True(t, f.balance(t, 1).Equal(dec("10")))
}

func TestConflictsExhaustedEscalate(t *testing.T) {
	f := newFixture(t, 5)
	cs := &conflictStore{Store: f.store}
	cs.remaining.Store(1 << 30)
	engine := NewEngine(Deps{Store: cs}, Config{Tolerance: dec("0.005"), ConflictRetries: 2})
	f.account(t, 1)
	f.depositInvoice(t, "inv-1", 1, "10")

	_, err := engine.SettleEvent(context.Background(), paid("e1", "inv-1", "10"))
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.True(t, domain.IsRetryable(err))

	p := NewProcessor(engine, f.alerts, nil, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	_, err = p.Settle(context.Background(), paid("e1", "inv-1", "10"))
	require.Error(t, err)
	assert.True(t, Exhausted(err))
	assert.Len(t, f.alerts.reconciles, 1)
	assert.Zero(t, f.store.ProcessedEventCount(), "nothing recorded for an escalated event")
}

func TestProcessorDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	settler := settlerFunc(func(context.Context, domain.PaymentEvent) (domain.Outcome, error) {
		calls++
		return domain.Outcome{}, errors.New("boom")
	})
	alerts := &recordingAlerts{}
	p := NewProcessor(settler, alerts, nil, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond})

	_, err := p.Settle(context.Background(), paid("e1", "inv-1", "1"))
	require.Error(t, err)
	assert.False(t, Exhausted(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, alerts.reconciles)
}

func TestProcessorRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	settler := settlerFunc(func(_ context.Context, ev domain.PaymentEvent) (domain.Outcome, error) {
		calls++
		if calls < 3 {
			return domain.Outcome{}, fmt.Errorf("%w: connection reset", domain.ErrTransient)
		}
		return domain.Outcome{EventID: ev.ID, Status: domain.OutcomeApplied}, nil
	})
	p := NewProcessor(settler, nil, nil, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	o, err := p.Settle(context.Background(), paid("e1", "inv-1", "1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, o.Status)
	assert.Equal(t, 3, calls)
}

type settlerFunc func(context.Context, domain.PaymentEvent) (domain.Outcome, error)

func (f settlerFunc) SettleEvent(ctx context.Context, ev domain.PaymentEvent) (domain.Outcome, error) {
	return f(ctx, ev)
}
