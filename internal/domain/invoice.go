package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusExpired   InvoiceStatus = "expired"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Terminal reports whether the invoice can no longer change status.
func (s InvoiceStatus) Terminal() bool {
	return s != InvoiceStatusPending
}

type PurposeKind string

const (
	PurposeDeposit PurposeKind = "deposit"
	PurposeOrder   PurposeKind = "order"
)

// Purpose says what a paid invoice settles: a balance deposit for AccountID,
// or the order OrderID placed by AccountID.
type Purpose struct {
	Kind      PurposeKind
	AccountID int64
	OrderID   string
}

func DepositPurpose(accountID int64) Purpose {
	return Purpose{Kind: PurposeDeposit, AccountID: accountID}
}

func OrderPurpose(accountID int64, orderID string) Purpose {
	return Purpose{Kind: PurposeOrder, AccountID: accountID, OrderID: orderID}
}

func (p Purpose) Validate() error {
	switch p.Kind {
	case PurposeDeposit:
		if p.AccountID == 0 {
			return errors.New("deposit purpose without account")
		}
	case PurposeOrder:
		if p.OrderID == "" {
			return errors.New("order purpose without order id")
		}
	default:
		return fmt.Errorf("unknown purpose kind %q", p.Kind)
	}
	return nil
}

type Invoice struct {
	ID          string
	AccountID   int64
	Amount      decimal.Decimal
	Asset       string
	Status      InvoiceStatus
	Purpose     Purpose
	PayURL      string
	PaidEventID string
	PaidAmount  decimal.Decimal
	PaidAt      *time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InvoicePatch holds the fields stamped on a terminal transition.
type InvoicePatch struct {
	PaidEventID string
	PaidAmount  decimal.Decimal
	PaidAt      *time.Time
}
