package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/cryptopay"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/shopspring/decimal"
)

// InvoiceIssuer creates invoices at the payment provider.
type InvoiceIssuer interface {
	Enabled() bool
	CreateInvoice(ctx context.Context, p cryptopay.CreateInvoiceParams) (*cryptopay.Invoice, error)
}

type PaymentService struct {
	invoices repository.InvoiceStore
	issuer   InvoiceIssuer
	now      func() time.Time
}

func NewPaymentService(invoices repository.InvoiceStore, issuer InvoiceIssuer) *PaymentService {
	return &PaymentService{invoices: invoices, issuer: issuer, now: time.Now}
}

// ValidateDeposit checks the asset and amount against the deposit limits and
// returns the normalized asset code.
func ValidateDeposit(amount decimal.Decimal, asset string) (string, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		asset = config.DefaultAsset
	}
	minimum, ok := config.DepositAssets[asset]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, asset)
	}
	if amount.LessThan(decimal.NewFromFloat(minimum)) {
		return "", fmt.Errorf("%w: minimum deposit is %s %s", domain.ErrInvalidAmount, decimal.NewFromFloat(minimum), asset)
	}
	if amount.GreaterThan(decimal.NewFromFloat(config.DepositMaximum)) {
		return "", fmt.Errorf("%w: maximum deposit is %s %s", domain.ErrInvalidAmount, decimal.NewFromFloat(config.DepositMaximum), asset)
	}
	return asset, nil
}

// CreateDeposit issues a balance top-up invoice for accountID.
func (s *PaymentService) CreateDeposit(ctx context.Context, accountID int64, amount decimal.Decimal, asset string) (*domain.Invoice, error) {
	asset, err := ValidateDeposit(amount, asset)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, domain.DepositPurpose(accountID), amount, asset, config.DepositInvoiceTTL,
		fmt.Sprintf("Deposit %s %s to your account", amount.String(), asset))
}

// CreateOrderInvoice issues the invoice that settles order.
func (s *PaymentService) CreateOrderInvoice(ctx context.Context, order *domain.Order) (*domain.Invoice, error) {
	if !order.Total.IsPositive() {
		return nil, fmt.Errorf("%w: order total %s", domain.ErrInvalidAmount, order.Total)
	}
	asset := order.Asset
	if asset == "" {
		asset = config.DefaultAsset
	}
	return s.issue(ctx, domain.OrderPurpose(order.AccountID, order.ID), order.Total, asset, config.OrderInvoiceTTL,
		fmt.Sprintf("Payment for order %s", order.ID))
}

func (s *PaymentService) issue(ctx context.Context, purpose domain.Purpose, amount decimal.Decimal, asset string, ttl time.Duration, description string) (*domain.Invoice, error) {
	if s.issuer == nil || !s.issuer.Enabled() {
		return nil, domain.ErrPaymentsDisabled
	}

	payload, err := cryptopay.EncodePayload(purpose)
	if err != nil {
		return nil, err
	}

	remote, err := s.issuer.CreateInvoice(ctx, cryptopay.CreateInvoiceParams{
		Asset:          asset,
		Amount:         amount.String(),
		Description:    description,
		Payload:        payload,
		ExpiresIn:      int(ttl.Seconds()),
		AllowComments:  false,
		AllowAnonymous: false,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	inv := &domain.Invoice{
		ID:        remote.InvoiceID.String(),
		AccountID: purpose.AccountID,
		Amount:    amount,
		Asset:     asset,
		Status:    domain.InvoiceStatusPending,
		Purpose:   purpose,
		PayURL:    remote.BotInvoiceURL,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.invoices.CreateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("store invoice: %w", err)
	}
	return inv, nil
}
