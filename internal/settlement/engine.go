// Package settlement turns verified payment events into balance credits and
// order transitions. Every event id settles at most once; replays return the
// outcome recorded the first time.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/idempotency"
	"github.com/set-night/shopbot/internal/metrics"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/shopspring/decimal"
)

// Notifier delivers a chat message to a user.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Fulfillment is told about completed settlements. Implementations must not
// block for long and must not fail the settlement.
type Fulfillment interface {
	OnOrderPaid(ctx context.Context, order *domain.Order)
	OnBalanceCredited(ctx context.Context, account *domain.Account, amount decimal.Decimal, asset string)
}

// Alerts is the operator channel.
type Alerts interface {
	LogRejection(ev domain.PaymentEvent, outcome domain.Outcome)
	LogReconciliation(ev domain.PaymentEvent, err error)
}

type Config struct {
	// Tolerance is the accepted relative difference between the paid and the
	// requested amount.
	Tolerance       decimal.Decimal
	ConflictRetries int
}

type Deps struct {
	Store       repository.Store
	Index       *idempotency.Index
	Notifier    Notifier
	Fulfillment Fulfillment
	Alerts      Alerts
	Metrics     *metrics.Metrics
}

type Engine struct {
	store       repository.Store
	index       *idempotency.Index
	notifier    Notifier
	fulfillment Fulfillment
	alerts      Alerts
	metrics     *metrics.Metrics
	cfg         Config
	now         func() time.Time
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.Tolerance.IsNegative() {
		cfg.Tolerance = decimal.Zero
	}
	e := &Engine{
		store:       deps.Store,
		index:       deps.Index,
		notifier:    deps.Notifier,
		fulfillment: deps.Fulfillment,
		alerts:      deps.Alerts,
		metrics:     deps.Metrics,
		cfg:         cfg,
		now:         time.Now,
	}
	if e.index == nil {
		e.index = idempotency.New(deps.Store)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.fulfillment == nil {
		e.fulfillment = nopFulfillment{}
	}
	if e.alerts == nil {
		e.alerts = nopAlerts{}
	}
	return e
}

// SettleEvent applies ev at most once. Errors wrapping domain.ErrTransient or
// domain.ErrVersionConflict may be retried with the same event.
func (e *Engine) SettleEvent(ctx context.Context, ev domain.PaymentEvent) (domain.Outcome, error) {
	if err := ev.Validate(); err != nil {
		return domain.Outcome{}, err
	}

	prior, found, err := e.index.Lookup(ctx, ev.ID)
	if err != nil {
		return domain.Outcome{}, transient(err)
	}
	if found {
		slog.Debug("event already settled", "event_id", ev.ID, "status", prior.Status)
		return prior, nil
	}

	var res settled
	switch ev.Type {
	case domain.EventInvoicePaid:
		res, err = e.settlePaid(ctx, ev)
	case domain.EventInvoiceExpired:
		res, err = e.settleClosed(ctx, ev, domain.InvoiceStatusExpired, domain.ReasonInvoiceExpired)
	case domain.EventInvoiceCancelled:
		res, err = e.settleClosed(ctx, ev, domain.InvoiceStatusCancelled, domain.ReasonInvoiceCancelled)
	default:
		res = settled{outcome: ignored(ev, domain.ReasonUnknownType)}
	}
	if err != nil {
		return domain.Outcome{}, err
	}
	return e.record(ctx, ev, res)
}

// settled carries an outcome and the side effects to run once it is recorded.
type settled struct {
	outcome domain.Outcome
	account *domain.Account
	order   *domain.Order
	// reconcile is set when money arrived for an invoice that closed in the
	// meantime.
	reconcile error
}

func (e *Engine) settlePaid(ctx context.Context, ev domain.PaymentEvent) (settled, error) {
	inv, err := e.store.GetInvoice(ctx, ev.InvoiceID)
	if errors.Is(err, domain.ErrInvoiceNotFound) {
		return settled{outcome: rejected(ev, nil, domain.ReasonStaleInvoice)}, nil
	}
	if err != nil {
		return settled{}, transient(err)
	}

	if inv.Status != domain.InvoiceStatusPending {
		if inv.Status == domain.InvoiceStatusPaid && inv.PaidEventID == ev.ID {
			return e.rederive(ctx, ev, inv)
		}
		return settled{outcome: rejected(ev, inv, domain.ReasonStaleInvoice)}, nil
	}

	if ev.Asset != "" && inv.Asset != "" && ev.Asset != inv.Asset {
		return settled{outcome: rejected(ev, inv, domain.ReasonAssetMismatch)}, nil
	}
	if !e.withinTolerance(inv.Amount, ev.Amount) {
		return settled{outcome: rejected(ev, inv, domain.ReasonAmountMismatch)}, nil
	}

	// performed is true when this call, not a concurrent one, moved the money.
	var (
		res       settled
		performed bool
	)
	switch inv.Purpose.Kind {
	case domain.PurposeOrder:
		order, ok, did, err := e.markOrderPaid(ctx, inv)
		if err != nil {
			return settled{}, err
		}
		if !ok {
			return settled{outcome: rejected(ev, inv, domain.ReasonStaleInvoice)}, nil
		}
		res.order, performed = order, did
	default:
		account, did, err := e.credit(ctx, inv, ev.Amount)
		if err != nil {
			return settled{}, err
		}
		res.account, performed = account, did
	}

	paidAt := e.now()
	_, err = e.store.TransitionInvoice(ctx, inv.ID, domain.InvoiceStatusPending, domain.InvoiceStatusPaid, domain.InvoicePatch{
		PaidEventID: ev.ID,
		PaidAmount:  ev.Amount,
		PaidAt:      &paidAt,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrStateConflict) {
			return settled{}, transient(err)
		}
		current, gerr := e.store.GetInvoice(ctx, inv.ID)
		if gerr != nil {
			return settled{}, transient(gerr)
		}
		switch {
		case current.Status == domain.InvoiceStatusPaid && current.PaidEventID == ev.ID:
		case current.Status == domain.InvoiceStatusPaid && !performed:
			// Another event id paid this invoice; the credit above was a no-op.
			return settled{outcome: rejected(ev, inv, domain.ReasonStaleInvoice)}, nil
		case current.Status == domain.InvoiceStatusPaid:
			// This event applied the payment but a concurrent event id closed
			// the invoice. That event reports it to the user.
			return settled{
				outcome:   applied(ev, inv),
				reconcile: fmt.Errorf("invoice %s was closed by event %s after event %s applied the payment", inv.ID, current.PaidEventID, ev.ID),
			}, nil
		default:
			res.reconcile = fmt.Errorf("invoice %s is %s but payment was applied", inv.ID, current.Status)
		}
	}

	res.outcome = applied(ev, inv)
	return res, nil
}

// rederive rebuilds the applied outcome for an invoice this event already
// paid, after a crash between the invoice transition and the record.
func (e *Engine) rederive(ctx context.Context, ev domain.PaymentEvent, inv *domain.Invoice) (settled, error) {
	res := settled{outcome: applied(ev, inv)}
	if inv.Purpose.Kind == domain.PurposeOrder {
		order, err := e.store.GetOrder(ctx, inv.Purpose.OrderID)
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			return settled{}, transient(err)
		}
		res.order = order
		return res, nil
	}
	account, err := e.store.GetAccount(ctx, inv.AccountID)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return settled{}, transient(err)
	}
	res.account = account
	return res, nil
}

func (e *Engine) settleClosed(ctx context.Context, ev domain.PaymentEvent, to domain.InvoiceStatus, reason domain.Reason) (settled, error) {
	inv, err := e.store.GetInvoice(ctx, ev.InvoiceID)
	if errors.Is(err, domain.ErrInvoiceNotFound) {
		return settled{outcome: rejected(ev, nil, domain.ReasonStaleInvoice)}, nil
	}
	if err != nil {
		return settled{}, transient(err)
	}
	if inv.Status == to {
		return settled{outcome: ignored(withInvoice(ev, inv), reason)}, nil
	}
	if inv.Status != domain.InvoiceStatusPending {
		return settled{outcome: rejected(ev, inv, domain.ReasonStaleInvoice)}, nil
	}

	_, err = e.store.TransitionInvoice(ctx, inv.ID, domain.InvoiceStatusPending, to, domain.InvoicePatch{})
	if err != nil {
		if !errors.Is(err, domain.ErrStateConflict) {
			return settled{}, transient(err)
		}
		current, gerr := e.store.GetInvoice(ctx, inv.ID)
		if gerr != nil {
			return settled{}, transient(gerr)
		}
		if current.Status != to {
			return settled{outcome: rejected(ev, inv, domain.ReasonStaleInvoice)}, nil
		}
	}
	return settled{outcome: ignored(withInvoice(ev, inv), reason)}, nil
}

// credit adds amount to the invoice owner's balance, reloading on version
// conflicts. A credit already recorded for the invoice counts as done and
// performed is false.
func (e *Engine) credit(ctx context.Context, inv *domain.Invoice, amount decimal.Decimal) (*domain.Account, bool, error) {
	accountID := inv.Purpose.AccountID
	if accountID == 0 {
		accountID = inv.AccountID
	}

	for attempt := 0; attempt <= e.cfg.ConflictRetries; attempt++ {
		account, err := e.store.GetAccount(ctx, accountID)
		if errors.Is(err, domain.ErrAccountNotFound) {
			account, _, err = e.store.EnsureAccount(ctx, domain.AccountProfile{ID: accountID})
		}
		if err != nil {
			return nil, false, transient(err)
		}

		updated, err := e.store.CreditAccount(ctx, account.ID, account.Version, amount, inv.ID, inv.Asset)
		switch {
		case err == nil:
			return updated, true, nil
		case errors.Is(err, domain.ErrAlreadyCredited):
			// The snapshot above may predate the credit.
			current, gerr := e.store.GetAccount(ctx, accountID)
			if gerr != nil {
				return nil, false, transient(gerr)
			}
			return current, false, nil
		case errors.Is(err, domain.ErrVersionConflict):
			slog.Debug("balance version conflict", "account_id", accountID, "invoice_id", inv.ID, "attempt", attempt+1)
			continue
		default:
			return nil, false, transient(err)
		}
	}
	return nil, false, fmt.Errorf("credit account %d for invoice %s: %w", accountID, inv.ID, domain.ErrVersionConflict)
}

// markOrderPaid moves the invoice's order to paid. ok is false when the order
// left pending_payment for something other than this invoice's payment;
// performed is false when a concurrent settlement made the transition.
func (e *Engine) markOrderPaid(ctx context.Context, inv *domain.Invoice) (order *domain.Order, ok, performed bool, err error) {
	order, err = e.store.TransitionOrder(ctx, inv.Purpose.OrderID, domain.OrderStatusPendingPayment, domain.OrderStatusPaid, inv.ID)
	if err == nil {
		return order, true, true, nil
	}
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, false, false, nil
	}
	if !errors.Is(err, domain.ErrStateConflict) && !errors.Is(err, domain.ErrInvalidTransition) {
		return nil, false, false, transient(err)
	}

	current, gerr := e.store.GetOrder(ctx, inv.Purpose.OrderID)
	if gerr != nil {
		return nil, false, false, transient(gerr)
	}
	if current.InvoiceID == inv.ID && (current.Status == domain.OrderStatusPaid || current.Status == domain.OrderStatusFulfilled) {
		return current, true, false, nil
	}
	return current, false, false, nil
}

func (e *Engine) withinTolerance(expected, paid decimal.Decimal) bool {
	diff := paid.Sub(expected).Abs()
	return diff.LessThanOrEqual(expected.Mul(e.cfg.Tolerance))
}

// record writes the outcome and, if this call is the one that wrote it, runs
// the side effects. A concurrent writer that lost the race returns the winning
// outcome and does nothing else.
func (e *Engine) record(ctx context.Context, ev domain.PaymentEvent, res settled) (domain.Outcome, error) {
	got, err := e.index.RecordOnce(ctx, ev.ID, res.outcome)
	if err != nil {
		return domain.Outcome{}, transient(err)
	}
	if got == idempotency.AlreadyPresent {
		prior, found, err := e.index.Lookup(ctx, ev.ID)
		if err != nil {
			return domain.Outcome{}, transient(err)
		}
		if found {
			return prior, nil
		}
		return res.outcome, nil
	}

	outcome := res.outcome
	outcome.EventID = ev.ID
	e.metrics.ObserveOutcome(outcome)
	slog.Info("payment event settled",
		"event_id", ev.ID,
		"invoice_id", outcome.InvoiceID,
		"status", outcome.Status,
		"reason", outcome.Reason,
	)

	if outcome.Status == domain.OutcomeRejected {
		e.alerts.LogRejection(ev, outcome)
	}
	if res.reconcile != nil {
		slog.Warn("payment applied to closed invoice", "event_id", ev.ID, "error", res.reconcile)
		e.alerts.LogReconciliation(ev, res.reconcile)
	}
	if outcome.Status != domain.OutcomeApplied {
		return outcome, nil
	}

	if res.account != nil {
		e.fulfillment.OnBalanceCredited(ctx, res.account, outcome.Amount, outcome.Asset)
		e.notify(ctx, outcome.AccountID, fmt.Sprintf("✅ Balance topped up by %s %s.", outcome.Amount.String(), outcome.Asset))
	}
	if res.order != nil {
		e.fulfillment.OnOrderPaid(ctx, res.order)
		e.notify(ctx, outcome.AccountID, fmt.Sprintf("✅ Order %s is paid.", res.order.ID))
	}
	return outcome, nil
}

// notify never fails the settlement. When no connection can deliver, the
// message goes to the outbox for the redeliverer.
func (e *Engine) notify(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	err := e.notifier.Notify(ctx, chatID, text)
	if err == nil {
		return
	}
	if !errors.Is(err, domain.ErrAllFailed) {
		slog.Warn("settlement notification not delivered", "chat_id", chatID, "error", err)
		return
	}

	now := e.now()
	n := &domain.Notification{
		ID:            uuid.New().String(),
		ChatID:        chatID,
		Text:          text,
		NextAttemptAt: now,
		LastError:     err.Error(),
		CreatedAt:     now,
	}
	if qerr := e.store.EnqueueNotification(ctx, n); qerr != nil {
		slog.Error("failed to queue notification", "chat_id", chatID, "error", qerr)
		return
	}
	e.metrics.IncQueued()
	slog.Info("notification queued", "notification_id", n.ID, "chat_id", chatID)
}

func applied(ev domain.PaymentEvent, inv *domain.Invoice) domain.Outcome {
	o := base(ev, inv)
	o.Status = domain.OutcomeApplied
	return o
}

func rejected(ev domain.PaymentEvent, inv *domain.Invoice, reason domain.Reason) domain.Outcome {
	o := base(ev, inv)
	o.Status = domain.OutcomeRejected
	o.Reason = reason
	return o
}

func ignored(ev domain.PaymentEvent, reason domain.Reason) domain.Outcome {
	o := base(ev, nil)
	o.Status = domain.OutcomeIgnored
	o.Reason = reason
	return o
}

// withInvoice fills event fields from the stored invoice for outcomes that
// only carry the event.
func withInvoice(ev domain.PaymentEvent, inv *domain.Invoice) domain.PaymentEvent {
	ev.Purpose = inv.Purpose
	if ev.Asset == "" {
		ev.Asset = inv.Asset
	}
	return ev
}

func base(ev domain.PaymentEvent, inv *domain.Invoice) domain.Outcome {
	o := domain.Outcome{
		EventID:   ev.ID,
		InvoiceID: ev.InvoiceID,
		AccountID: ev.Purpose.AccountID,
		OrderID:   ev.Purpose.OrderID,
		Amount:    ev.Amount,
		Asset:     ev.Asset,
	}
	if inv != nil {
		o.AccountID = inv.AccountID
		o.OrderID = inv.Purpose.OrderID
		if o.Asset == "" {
			o.Asset = inv.Asset
		}
	}
	return o
}

func transient(err error) error {
	if errors.Is(err, domain.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransient, err)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, int64, string) error { return nil }

type nopFulfillment struct{}

func (nopFulfillment) OnOrderPaid(context.Context, *domain.Order) {}
func (nopFulfillment) OnBalanceCredited(context.Context, *domain.Account, decimal.Decimal, string) {}

type nopAlerts struct{}

func (nopAlerts) LogRejection(domain.PaymentEvent, domain.Outcome) {}
func (nopAlerts) LogReconciliation(domain.PaymentEvent, error) {}
