package cryptopay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/set-night/shopbot/internal/domain"
)

const ProviderName = "cryptopay"

// Update is a webhook delivery. Crypto Pay sends update_id/update_type; the
// generic event_id/type envelope is accepted as well.
type Update struct {
	EventID     string  `json:"event_id" validate:"required_without=UpdateID,max=128"`
	Type        string  `json:"type" validate:"required_without=UpdateType"`
	UpdateID    int64   `json:"update_id"`
	UpdateType  string  `json:"update_type"`
	RequestDate string  `json:"request_date"`
	Payload     Invoice `json:"payload"`
}

// InvoicePayload is the JSON string stored in an invoice's payload field.
type InvoicePayload struct {
	UserID  int64  `json:"user_id"`
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`
}

func EncodePayload(p domain.Purpose) (string, error) {
	b, err := json.Marshal(InvoicePayload{UserID: p.AccountID, Type: string(p.Kind), OrderID: p.OrderID})
	if err != nil {
		return "", fmt.Errorf("marshal invoice payload: %w", err)
	}
	return string(b), nil
}

func DecodePayload(s string) (domain.Purpose, error) {
	var p InvoicePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return domain.Purpose{}, fmt.Errorf("unmarshal invoice payload: %w", err)
	}
	purpose := domain.Purpose{Kind: domain.PurposeKind(p.Type), AccountID: p.UserID, OrderID: p.OrderID}
	if err := purpose.Validate(); err != nil {
		return domain.Purpose{}, err
	}
	return purpose, nil
}

// Provider verifies and decodes Crypto Pay webhook deliveries.
type Provider struct {
	token    string
	validate *validator.Validate
}

func NewProvider(token string) *Provider {
	return &Provider{
		token:    token,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Verify(r *http.Request, body []byte) error {
	if !Verify(p.token, body, r.Header.Get(SignatureHeader)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

var errMalformed = errors.New("malformed update")

// Decode turns a verified body into a PaymentEvent. Bodies that are not JSON
// fail with a plain error; well-formed bodies that make no sense fail with
// domain.ErrInvalidEvent.
func (p *Provider) Decode(body []byte) (domain.PaymentEvent, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err := p.validate.Struct(u); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	return u.Event()
}

func (u Update) Event() (domain.PaymentEvent, error) {
	id := u.EventID
	if id == "" {
		id = strconv.FormatInt(u.UpdateID, 10)
	}
	typ := u.Type
	if typ == "" {
		typ = u.UpdateType
	}

	ev := domain.PaymentEvent{
		ID:         ProviderName + ":" + id,
		Provider:   ProviderName,
		Type:       domain.EventType(typ),
		InvoiceID:  u.Payload.InvoiceID.String(),
		Amount:     u.Payload.Amount,
		Asset:      strings.ToUpper(u.Payload.Asset),
		OccurredAt: parseTime(u.RequestDate),
	}
	if u.Payload.PaidAmount.IsPositive() && (u.Payload.PaidAsset == "" || strings.EqualFold(u.Payload.PaidAsset, u.Payload.Asset)) {
		ev.Amount = u.Payload.PaidAmount
	}
	if u.Payload.Payload != "" {
		purpose, err := DecodePayload(u.Payload.Payload)
		if err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
		}
		ev.Purpose = purpose
	}
	if err := ev.Validate(); err != nil {
		return domain.PaymentEvent{}, err
	}
	return ev, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
