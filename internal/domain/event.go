package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventInvoicePaid      EventType = "invoice_paid"
	EventInvoiceExpired   EventType = "invoice_expired"
	EventInvoiceCancelled EventType = "invoice_cancelled"
)

func (t EventType) Known() bool {
	switch t {
	case EventInvoicePaid, EventInvoiceExpired, EventInvoiceCancelled:
		return true
	}
	return false
}

// PaymentEvent is a provider notification decoded once at ingestion.
type PaymentEvent struct {
	ID         string
	Provider   string
	Type       EventType
	InvoiceID  string
	Amount     decimal.Decimal
	Asset      string
	Purpose    Purpose
	OccurredAt time.Time
}

func (e PaymentEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if !e.Type.Known() {
		return nil
	}
	if e.InvoiceID == "" {
		return fmt.Errorf("%w: missing invoice id", ErrInvalidEvent)
	}
	if e.Type == EventInvoicePaid && !e.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive amount %s", ErrInvalidEvent, e.Amount)
	}
	return nil
}

type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeIgnored  OutcomeStatus = "ignored"
)

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonStaleInvoice     Reason = "stale-invoice"
	ReasonAmountMismatch   Reason = "amount-mismatch"
	ReasonAssetMismatch    Reason = "asset-mismatch"
	ReasonInvoiceExpired   Reason = "invoice-expired"
	ReasonInvoiceCancelled Reason = "invoice-cancelled"
	ReasonUnknownType      Reason = "unknown-type"
)

// Outcome is the recorded result of settling one event.
type Outcome struct {
	EventID   string
	Status    OutcomeStatus
	Reason    Reason
	InvoiceID string
	AccountID int64
	OrderID   string
	Amount    decimal.Decimal
	Asset     string
}

type ProcessedEvent struct {
	EventID     string
	ProcessedAt time.Time
	Outcome     Outcome
}
