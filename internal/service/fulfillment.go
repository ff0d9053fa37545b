package service

import (
	"context"
	"log/slog"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/shopspring/decimal"
)

type FulfillmentLog interface {
	LogBalanceTopUp(accountID int64, amount decimal.Decimal, asset string, balance decimal.Decimal)
	LogOrderPaid(orderID string, accountID int64, amount decimal.Decimal, asset string)
}

// Fulfillment receives settlement callbacks and hands them to the operators.
type Fulfillment struct {
	log FulfillmentLog
}

func NewFulfillment(log FulfillmentLog) *Fulfillment {
	return &Fulfillment{log: log}
}

func (f *Fulfillment) OnOrderPaid(_ context.Context, order *domain.Order) {
	slog.Info("order paid", "order_id", order.ID, "account_id", order.AccountID, "total", order.Total.String())
	if f.log != nil {
		f.log.LogOrderPaid(order.ID, order.AccountID, order.Total, order.Asset)
	}
}

func (f *Fulfillment) OnBalanceCredited(_ context.Context, account *domain.Account, amount decimal.Decimal, asset string) {
	slog.Info("balance credited", "account_id", account.ID, "amount", amount.String(), "asset", asset)
	if f.log != nil {
		f.log.LogBalanceTopUp(account.ID, amount, asset, account.Balance)
	}
}
