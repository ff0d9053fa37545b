package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Credit is one applied balance entry. Deposits carry the invoice id as
// their key and a positive amount; order debits and refunds use
// "order:<id>" and "refund:<id>" keys. At most one entry exists per key.
type Credit struct {
	InvoiceID string
	AccountID int64
	Amount    decimal.Decimal
	Asset     string
	CreatedAt time.Time
}
