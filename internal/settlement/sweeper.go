package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/metrics"
	"github.com/set-night/shopbot/internal/repository"
)

// InvoiceSweeper expires pending invoices whose deadline has passed. A late
// paid webhook for a swept invoice settles as stale.
type InvoiceSweeper struct {
	store   repository.InvoiceStore
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewInvoiceSweeper(store repository.InvoiceStore, m *metrics.Metrics) *InvoiceSweeper {
	return &InvoiceSweeper{store: store, metrics: m, now: time.Now}
}

func (s *InvoiceSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				slog.Error("invoice sweep failed", "error", err)
			}
		}
	}
}

func (s *InvoiceSweeper) RunOnce(ctx context.Context) (int, error) {
	invoices, err := s.store.ListExpiredInvoices(ctx, s.now(), config.InvoiceSweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, inv := range invoices {
		_, err := s.store.TransitionInvoice(ctx, inv.ID, domain.InvoiceStatusPending, domain.InvoiceStatusExpired, domain.InvoicePatch{})
		if err != nil {
			if !errors.Is(err, domain.ErrStateConflict) {
				slog.Error("failed to expire invoice", "invoice_id", inv.ID, "error", err)
			}
			continue
		}
		expired++
	}
	if expired > 0 {
		s.metrics.AddExpired(expired)
		slog.Info("expired invoices swept", "count", expired)
	}
	return expired, nil
}
