package cryptopay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"update_id":1}`)
	sig := Sign("token", body)

	assert.True(t, Verify("token", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("token", []byte(`{"update_id":2}`), sig))
	assert.False(t, Verify("token", body, ""))
	assert.False(t, Verify("token", body, "zz"))
	assert.False(t, Verify("", body, sig))
}

func TestDecodeNativeUpdate(t *testing.T) {
	payload, err := EncodePayload(domain.DepositPurpose(42))
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"update_id":    991,
		"update_type":  "invoice_paid",
		"request_date": "2025-03-01T10:00:00.000Z",
		"payload": map[string]any{
			"invoice_id":  123,
			"status":      "paid",
			"asset":       "usdt",
			"amount":      "10.00",
			"paid_asset":  "USDT",
			"paid_amount": "10.00",
			"payload":     payload,
		},
	})
	require.NoError(t, err)

	ev, err := NewProvider("t").Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "cryptopay:991", ev.ID)
	assert.Equal(t, domain.EventInvoicePaid, ev.Type)
	assert.Equal(t, "123", ev.InvoiceID)
	assert.Equal(t, "USDT", ev.Asset)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, domain.DepositPurpose(42), ev.Purpose)
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestDecodeGenericEnvelope(t *testing.T) {
	body := []byte(`{"event_id":"evt-7","type":"invoice_expired","payload":{"invoice_id":"55","asset":"TON","amount":"1.5"}}`)
	ev, err := NewProvider("t").Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "cryptopay:evt-7", ev.ID)
	assert.Equal(t, domain.EventInvoiceExpired, ev.Type)
	assert.Equal(t, "55", ev.InvoiceID)
}

func TestDecodeRejects(t *testing.T) {
	p := NewProvider("t")

	_, err := p.Decode([]byte(`{not json`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = p.Decode([]byte(`{"update_type":"invoice_paid","payload":{"invoice_id":1,"amount":"1"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent, "missing event id")

	_, err = p.Decode([]byte(`{"update_id":1,"update_type":"invoice_paid","payload":{"invoice_id":1,"amount":"0","asset":"USDT"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent, "non-positive amount")

	_, err = p.Decode([]byte(`{"update_id":1,"update_type":"invoice_paid","payload":{"invoice_id":1,"amount":"1","asset":"USDT","payload":"{\"type\":\"gift\"}"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent, "unknown purpose")
}

func TestPayloadRoundTrip(t *testing.T) {
	s, err := EncodePayload(domain.OrderPurpose(3, "ord-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":3,"type":"order","order_id":"ord-1"}`, s)

	got, err := DecodePayload(s)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPurpose(3, "ord-1"), got)
}

func TestClientCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/createInvoice", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get(tokenHeader))
		raw, _ := io.ReadAll(r.Body)
		var p CreateInvoiceParams
		require.NoError(t, json.Unmarshal(raw, &p))
		assert.Equal(t, "crypto", p.CurrencyType)
		assert.Equal(t, "USDT", p.Asset)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"invoice_id":77,"status":"active","asset":"USDT","amount":"5","bot_invoice_url":"https://t.me/CryptoBot?start=IV77"}}`))
	}))
	defer srv.Close()

	inv, err := NewClient(srv.URL, "secret").CreateInvoice(context.Background(), CreateInvoiceParams{Asset: "USDT", Amount: "5"})
	require.NoError(t, err)
	assert.Equal(t, "77", inv.InvoiceID.String())
	assert.Equal(t, "https://t.me/CryptoBot?start=IV77", inv.BotInvoiceURL)
}

func TestClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error":{"code":400,"name":"AMOUNT_TOO_SMALL"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "secret").CreateInvoice(context.Background(), CreateInvoiceParams{Asset: "USDT", Amount: "0.01"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AMOUNT_TOO_SMALL")
}
