package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCart           OrderStatus = "cart"
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusFulfilled      OrderStatus = "fulfilled"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// A cart never becomes cancelled; it is discarded instead. Fulfilled,
// cancelled and refunded orders are final.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCart:           {OrderStatusPendingPayment},
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusFulfilled, OrderStatusCancelled, OrderStatusRefunded},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LineItem is a snapshot of a product taken when the order leaves the cart.
type LineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

type Order struct {
	ID        string
	AccountID int64
	Items     []LineItem
	Total     decimal.Decimal
	Asset     string
	Status    OrderStatus
	InvoiceID string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComputeTotal sums the line items.
func ComputeTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Total())
	}
	return total
}
