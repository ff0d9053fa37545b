// Package idempotency records which payment events have been settled and
// with what outcome. The uniqueness of the event id in the backing store is
// the only serialization point for duplicate deliveries.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
)

type Recorded int

const (
	Applied Recorded = iota + 1
	AlreadyPresent
)

func (r Recorded) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyPresent:
		return "already-present"
	default:
		return "unknown"
	}
}

type Index struct {
	store repository.EventStore
	now   func() time.Time
}

func New(store repository.EventStore) *Index {
	return &Index{store: store, now: time.Now}
}

// RecordOnce stores outcome under eventID unless an outcome is already stored.
// An existing record is never overwritten.
func (i *Index) RecordOnce(ctx context.Context, eventID string, outcome domain.Outcome) (Recorded, error) {
	if eventID == "" {
		return 0, fmt.Errorf("%w: empty event id", domain.ErrInvalidEvent)
	}
	outcome.EventID = eventID
	err := i.store.InsertProcessedEvent(ctx, &domain.ProcessedEvent{
		EventID:     eventID,
		ProcessedAt: i.now(),
		Outcome:     outcome,
	})
	switch {
	case err == nil:
		return Applied, nil
	case errors.Is(err, domain.ErrDuplicateEvent):
		return AlreadyPresent, nil
	default:
		return 0, fmt.Errorf("record event %s: %w", eventID, err)
	}
}

// Lookup returns the stored outcome for eventID, if any.
func (i *Index) Lookup(ctx context.Context, eventID string) (domain.Outcome, bool, error) {
	ev, err := i.store.GetProcessedEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return domain.Outcome{}, false, nil
		}
		return domain.Outcome{}, false, fmt.Errorf("lookup event %s: %w", eventID, err)
	}
	return ev.Outcome, true, nil
}
