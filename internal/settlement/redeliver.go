package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/metrics"
	"github.com/set-night/shopbot/internal/repository"
)

// Redeliverer drains the notification outbox.
type Redeliverer struct {
	store    repository.NotificationStore
	notifier Notifier
	metrics  *metrics.Metrics
	minDelay time.Duration
	maxDelay time.Duration
	now      func() time.Time
}

func NewRedeliverer(store repository.NotificationStore, notifier Notifier, m *metrics.Metrics) *Redeliverer {
	return &Redeliverer{
		store:    store,
		notifier: notifier,
		metrics:  m,
		minDelay: config.NotificationRetryMin,
		maxDelay: config.NotificationRetryMax,
		now:      time.Now,
	}
}

func (r *Redeliverer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				slog.Error("notification redelivery failed", "error", err)
			}
		}
	}
}

// RunOnce tries every due notification once and returns how many were
// delivered.
func (r *Redeliverer) RunOnce(ctx context.Context) (int, error) {
	due, err := r.store.DueNotifications(ctx, r.now(), config.NotificationBatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, n := range due {
		if err := r.notifier.Notify(ctx, n.ChatID, n.Text); err != nil {
			next := r.now().Add(r.delay(n.Attempts + 1))
			if rerr := r.store.RescheduleNotification(ctx, n.ID, next, err.Error()); rerr != nil {
				slog.Error("failed to reschedule notification", "notification_id", n.ID, "error", rerr)
			}
			continue
		}
		if err := r.store.MarkNotificationDelivered(ctx, n.ID, r.now()); err != nil {
			slog.Error("failed to mark notification delivered", "notification_id", n.ID, "error", err)
			continue
		}
		r.metrics.IncRedelivered()
		delivered++
	}
	if delivered > 0 {
		slog.Info("queued notifications delivered", "count", delivered)
	}
	return delivered, nil
}

// delay is the wait before retry number attempts: the exponential schedule
// the processor uses, without jitter so a backlog drains in queue order.
func (r *Redeliverer) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.minDelay
	b.MaxInterval = r.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts && d < r.maxDelay; i++ {
		d = b.NextBackOff()
	}
	return min(d, r.maxDelay)
}
