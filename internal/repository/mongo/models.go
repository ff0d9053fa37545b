package mongo

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/shopspring/decimal"
)

// ==================== Account models ====================

type accountModel struct {
	ID           int64           `bson:"_id"`
	FirstName    string          `bson:"first_name"`
	Username     string          `bson:"username"`
	LanguageCode string          `bson:"language_code"`
	Balance      bson.Decimal128 `bson:"balance"`
	Version      int64           `bson:"version"`
	Roles        []string        `bson:"roles"`
	Banned       bool            `bson:"banned"`
	BanReason    string          `bson:"ban_reason,omitempty"`
	Credits      []creditModel   `bson:"credits,omitempty"`
	CreatedAt    time.Time       `bson:"created_at"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

type creditModel struct {
	InvoiceID string          `bson:"invoice_id"`
	Amount    bson.Decimal128 `bson:"amount"`
	Asset     string          `bson:"asset"`
	CreatedAt time.Time       `bson:"created_at"`
}

func (m *accountModel) hasCredit(invoiceID string) bool {
	for _, c := range m.Credits {
		if c.InvoiceID == invoiceID {
			return true
		}
	}
	return false
}

func fromAccountModel(m *accountModel) (*domain.Account, error) {
	balance, err := fromDecimal128(m.Balance)
	if err != nil {
		return nil, fmt.Errorf("account %d balance: %w", m.ID, err)
	}
	a := &domain.Account{
		ID:           m.ID,
		FirstName:    m.FirstName,
		Username:     m.Username,
		LanguageCode: m.LanguageCode,
		Balance:      balance,
		Version:      m.Version,
		Banned:       m.Banned,
		BanReason:    m.BanReason,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	for _, r := range m.Roles {
		a.Roles = append(a.Roles, domain.Role(r))
	}
	return a, nil
}

// ==================== Invoice models ====================

type purposeModel struct {
	Kind      string `bson:"kind"`
	AccountID int64  `bson:"account_id"`
	OrderID   string `bson:"order_id,omitempty"`
}

type invoiceModel struct {
	ID          string           `bson:"_id"`
	AccountID   int64            `bson:"account_id"`
	Amount      bson.Decimal128  `bson:"amount"`
	Asset       string           `bson:"asset"`
	Status      string           `bson:"status"`
	Purpose     purposeModel     `bson:"purpose"`
	PayURL      string           `bson:"pay_url,omitempty"`
	PaidEventID string           `bson:"paid_event_id,omitempty"`
	PaidAmount  *bson.Decimal128 `bson:"paid_amount,omitempty"`
	PaidAt      *time.Time       `bson:"paid_at,omitempty"`
	ExpiresAt   time.Time        `bson:"expires_at"`
	CreatedAt   time.Time        `bson:"created_at"`
	UpdatedAt   time.Time        `bson:"updated_at"`
}

func toInvoiceModel(inv *domain.Invoice) (*invoiceModel, error) {
	amount, err := toDecimal128(inv.Amount)
	if err != nil {
		return nil, err
	}
	return &invoiceModel{
		ID:        inv.ID,
		AccountID: inv.AccountID,
		Amount:    amount,
		Asset:     inv.Asset,
		Status:    string(inv.Status),
		Purpose: purposeModel{
			Kind:      string(inv.Purpose.Kind),
			AccountID: inv.Purpose.AccountID,
			OrderID:   inv.Purpose.OrderID,
		},
		PayURL:    inv.PayURL,
		ExpiresAt: inv.ExpiresAt,
		CreatedAt: inv.CreatedAt,
		UpdatedAt: inv.UpdatedAt,
	}, nil
}

func fromInvoiceModel(m *invoiceModel) (*domain.Invoice, error) {
	amount, err := fromDecimal128(m.Amount)
	if err != nil {
		return nil, fmt.Errorf("invoice %s amount: %w", m.ID, err)
	}
	inv := &domain.Invoice{
		ID:        m.ID,
		AccountID: m.AccountID,
		Amount:    amount,
		Asset:     m.Asset,
		Status:    domain.InvoiceStatus(m.Status),
		Purpose: domain.Purpose{
			Kind:      domain.PurposeKind(m.Purpose.Kind),
			AccountID: m.Purpose.AccountID,
			OrderID:   m.Purpose.OrderID,
		},
		PayURL:      m.PayURL,
		PaidEventID: m.PaidEventID,
		PaidAt:      m.PaidAt,
		ExpiresAt:   m.ExpiresAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.PaidAmount != nil {
		if inv.PaidAmount, err = fromDecimal128(*m.PaidAmount); err != nil {
			return nil, fmt.Errorf("invoice %s paid amount: %w", m.ID, err)
		}
	}
	return inv, nil
}

// ==================== Order models ====================

type lineItemModel struct {
	ProductID string          `bson:"product_id"`
	Name      string          `bson:"name"`
	Quantity  int             `bson:"quantity"`
	UnitPrice bson.Decimal128 `bson:"unit_price"`
}

type orderModel struct {
	ID        string          `bson:"_id"`
	AccountID int64           `bson:"account_id"`
	Items     []lineItemModel `bson:"items"`
	Total     bson.Decimal128 `bson:"total"`
	Asset     string          `bson:"asset"`
	Status    string          `bson:"status"`
	InvoiceID string          `bson:"invoice_id,omitempty"`
	Version   int64           `bson:"version"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

func toOrderModel(o *domain.Order) (*orderModel, error) {
	total, err := toDecimal128(o.Total)
	if err != nil {
		return nil, err
	}
	m := &orderModel{
		ID:        o.ID,
		AccountID: o.AccountID,
		Total:     total,
		Asset:     o.Asset,
		Status:    string(o.Status),
		InvoiceID: o.InvoiceID,
		Version:   o.Version,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	for _, li := range o.Items {
		price, err := toDecimal128(li.UnitPrice)
		if err != nil {
			return nil, err
		}
		m.Items = append(m.Items, lineItemModel{
			ProductID: li.ProductID,
			Name:      li.Name,
			Quantity:  li.Quantity,
			UnitPrice: price,
		})
	}
	return m, nil
}

func fromOrderModel(m *orderModel) (*domain.Order, error) {
	total, err := fromDecimal128(m.Total)
	if err != nil {
		return nil, fmt.Errorf("order %s total: %w", m.ID, err)
	}
	o := &domain.Order{
		ID:        m.ID,
		AccountID: m.AccountID,
		Total:     total,
		Asset:     m.Asset,
		Status:    domain.OrderStatus(m.Status),
		InvoiceID: m.InvoiceID,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, li := range m.Items {
		price, err := fromDecimal128(li.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("order %s item %s: %w", m.ID, li.ProductID, err)
		}
		o.Items = append(o.Items, domain.LineItem{
			ProductID: li.ProductID,
			Name:      li.Name,
			Quantity:  li.Quantity,
			UnitPrice: price,
		})
	}
	return o, nil
}

// ==================== Event models ====================

type outcomeModel struct {
	Status    string          `bson:"status"`
	Reason    string          `bson:"reason,omitempty"`
	InvoiceID string          `bson:"invoice_id,omitempty"`
	AccountID int64           `bson:"account_id,omitempty"`
	OrderID   string          `bson:"order_id,omitempty"`
	Amount    bson.Decimal128 `bson:"amount"`
	Asset     string          `bson:"asset,omitempty"`
}

type processedEventModel struct {
	ID          string       `bson:"_id"`
	ProcessedAt time.Time    `bson:"processed_at"`
	Outcome     outcomeModel `bson:"outcome"`
}

func toProcessedEventModel(ev *domain.ProcessedEvent) (*processedEventModel, error) {
	amount, err := toDecimal128(ev.Outcome.Amount)
	if err != nil {
		return nil, err
	}
	o := ev.Outcome
	return &processedEventModel{
		ID:          ev.EventID,
		ProcessedAt: ev.ProcessedAt,
		Outcome: outcomeModel{
			Status:    string(o.Status),
			Reason:    string(o.Reason),
			InvoiceID: o.InvoiceID,
			AccountID: o.AccountID,
			OrderID:   o.OrderID,
			Amount:    amount,
			Asset:     o.Asset,
		},
	}, nil
}

func fromProcessedEventModel(m *processedEventModel) (*domain.ProcessedEvent, error) {
	amount, err := fromDecimal128(m.Outcome.Amount)
	if err != nil {
		return nil, fmt.Errorf("event %s amount: %w", m.ID, err)
	}
	return &domain.ProcessedEvent{
		EventID:     m.ID,
		ProcessedAt: m.ProcessedAt,
		Outcome: domain.Outcome{
			EventID:   m.ID,
			Status:    domain.OutcomeStatus(m.Outcome.Status),
			Reason:    domain.Reason(m.Outcome.Reason),
			InvoiceID: m.Outcome.InvoiceID,
			AccountID: m.Outcome.AccountID,
			OrderID:   m.Outcome.OrderID,
			Amount:    amount,
			Asset:     m.Outcome.Asset,
		},
	}, nil
}

// ==================== Notification models ====================

type notificationModel struct {
	ID            string     `bson:"_id"`
	ChatID        int64      `bson:"chat_id"`
	Text          string     `bson:"text"`
	Attempts      int        `bson:"attempts"`
	NextAttemptAt time.Time  `bson:"next_attempt_at"`
	LastError     string     `bson:"last_error,omitempty"`
	DeliveredAt   *time.Time `bson:"delivered_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
}

func toNotificationModel(n *domain.Notification) *notificationModel {
	return &notificationModel{
		ID:            n.ID,
		ChatID:        n.ChatID,
		Text:          n.Text,
		Attempts:      n.Attempts,
		NextAttemptAt: n.NextAttemptAt,
		LastError:     n.LastError,
		DeliveredAt:   n.DeliveredAt,
		CreatedAt:     n.CreatedAt,
	}
}

func fromNotificationModel(m *notificationModel) *domain.Notification {
	return &domain.Notification{
		ID:            m.ID,
		ChatID:        m.ChatID,
		Text:          m.Text,
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
		DeliveredAt:   m.DeliveredAt,
		CreatedAt:     m.CreatedAt,
	}
}

// ==================== Decimal helpers ====================

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("encode decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}
