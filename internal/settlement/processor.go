package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/metrics"
)

type Settler interface {
	SettleEvent(ctx context.Context, ev domain.PaymentEvent) (domain.Outcome, error)
}

type RetryConfig struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Processor retries retryable settlement failures with exponential backoff
// and escalates events that keep failing to the operator channel.
type Processor struct {
	settler Settler
	alerts  Alerts
	metrics *metrics.Metrics
	cfg     RetryConfig
}

func NewProcessor(settler Settler, alerts Alerts, m *metrics.Metrics, cfg RetryConfig) *Processor {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if alerts == nil {
		alerts = nopAlerts{}
	}
	return &Processor{settler: settler, alerts: alerts, metrics: m, cfg: cfg}
}

// Settle runs the event to a recorded outcome or to escalation.
func (p *Processor) Settle(ctx context.Context, ev domain.PaymentEvent) (domain.Outcome, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseDelay
	b.MaxInterval = p.cfg.MaxDelay

	attempt := 0
	op := func() (domain.Outcome, error) {
		attempt++
		outcome, err := p.settler.SettleEvent(ctx, ev)
		if err == nil {
			return outcome, nil
		}
		if !domain.IsRetryable(err) {
			return domain.Outcome{}, backoff.Permanent(err)
		}
		slog.Warn("settlement attempt failed", "event_id", ev.ID, "attempt", attempt, "error", err)
		return domain.Outcome{}, err
	}

	outcome, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(p.cfg.MaxAttempts))
	if err == nil {
		return outcome, nil
	}
	if !domain.IsRetryable(err) {
		return domain.Outcome{}, err
	}

	err = fmt.Errorf("%w: event %s after %d attempts: %w", domain.ErrRetriesExhausted, ev.ID, attempt, err)
	slog.Error("payment event needs manual reconciliation", "event_id", ev.ID, "invoice_id", ev.InvoiceID, "error", err)
	p.metrics.IncEscalation()
	p.alerts.LogReconciliation(ev, err)
	return domain.Outcome{}, err
}

// Exhausted reports whether err means the event was escalated.
func Exhausted(err error) bool {
	return errors.Is(err, domain.ErrRetriesExhausted)
}
