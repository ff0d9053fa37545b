package domain

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	statuses := []OrderStatus{
		OrderStatusCart,
		OrderStatusPendingPayment,
		OrderStatusPaid,
		OrderStatusFulfilled,
		OrderStatusCancelled,
		OrderStatusRefunded,
	}
	allowed := map[[2]OrderStatus]bool{
		{OrderStatusCart, OrderStatusPendingPayment}:      true,
		{OrderStatusPendingPayment, OrderStatusPaid}:      true,
		{OrderStatusPendingPayment, OrderStatusCancelled}: true,
		{OrderStatusPaid, OrderStatusFulfilled}:           true,
		{OrderStatusPaid, OrderStatusCancelled}:           true,
		{OrderStatusPaid, OrderStatusRefunded}:            true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]OrderStatus{from, to}]
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, want, CanTransition(from, to))
			})
		}
	}
}

func TestComputeTotal(t *testing.T) {
	items := []LineItem{
		{ProductID: "a", Quantity: 2, UnitPrice: decimal.RequireFromString("1.25")},
		{ProductID: "b", Quantity: 3, UnitPrice: decimal.RequireFromString("0.10")},
	}
	assert.True(t, ComputeTotal(items).Equal(decimal.RequireFromString("2.80")))
	assert.True(t, ComputeTotal(nil).IsZero())
}

func TestPaymentEventValidate(t *testing.T) {
	paid := PaymentEvent{
		ID:        "evt-1",
		Type:      EventInvoicePaid,
		InvoiceID: "42",
		Amount:    decimal.NewFromInt(5),
		Asset:     "USDT",
	}
	require.NoError(t, paid.Validate())

	noID := paid
	noID.ID = ""
	assert.ErrorIs(t, noID.Validate(), ErrInvalidEvent)

	noInvoice := paid
	noInvoice.InvoiceID = ""
	assert.ErrorIs(t, noInvoice.Validate(), ErrInvalidEvent)

	zero := paid
	zero.Amount = decimal.Zero
	assert.ErrorIs(t, zero.Validate(), ErrInvalidEvent)

	// Expiry notifications carry no amount.
	expired := paid
	expired.Type = EventInvoiceExpired
	expired.Amount = decimal.Zero
	assert.NoError(t, expired.Validate())

	// Unknown types are recorded as ignored, not rejected here.
	unknown := PaymentEvent{ID: "evt-2", Type: "invoice_refunded"}
	assert.NoError(t, unknown.Validate())
}

func TestPurposeValidate(t *testing.T) {
	assert.NoError(t, DepositPurpose(7).Validate())
	assert.NoError(t, OrderPurpose(7, "ord-1").Validate())
	assert.Error(t, DepositPurpose(0).Validate())
	assert.Error(t, OrderPurpose(7, "").Validate())
	assert.Error(t, Purpose{Kind: "gift"}.Validate())
}

func TestInvoiceStatusTerminal(t *testing.T) {
	assert.False(t, InvoiceStatusPending.Terminal())
	assert.True(t, InvoiceStatusPaid.Terminal())
	assert.True(t, InvoiceStatusExpired.Terminal())
	assert.True(t, InvoiceStatusCancelled.Terminal())
}

func TestAccountRoles(t *testing.T) {
	a := &Account{Roles: []Role{RoleUser}}
	assert.False(t, a.IsStaff())
	a.Roles = append(a.Roles, RoleAdmin)
	assert.True(t, a.IsStaff())
	assert.True(t, a.HasRole(RoleUser))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("credit: %w", ErrTransient)))
	assert.True(t, IsRetryable(ErrVersionConflict))
	assert.False(t, IsRetryable(ErrAlreadyCredited))
	assert.False(t, IsRetryable(ErrInsufficientBalance))
	assert.False(t, IsRetryable(nil))
}
