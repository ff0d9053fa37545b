package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const tokenHeader = "Crypto-Pay-API-Token"

// Client talks to the Crypto Pay API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.token != ""
}

type CreateInvoiceParams struct {
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	CurrencyType   string `json:"currency_type,omitempty"`
	Description    string `json:"description,omitempty"`
	Payload        string `json:"payload,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	AllowComments  bool   `json:"allow_comments"`
	AllowAnonymous bool   `json:"allow_anonymous"`
}

// Invoice is the provider's invoice object, as returned by createInvoice and
// carried in webhook updates.
type Invoice struct {
	InvoiceID     json.Number     `json:"invoice_id" validate:"required"`
	Hash          string          `json:"hash"`
	Status        string          `json:"status" validate:"omitempty,oneof=active paid expired"`
	Asset         string          `json:"asset" validate:"omitempty,alphanum,max=10"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAsset     string          `json:"paid_asset"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	BotInvoiceURL string          `json:"bot_invoice_url"`
	Payload       string          `json:"payload"`
	CreatedAt     string          `json:"created_at"`
	PaidAt        string          `json:"paid_at"`
}

type App struct {
	AppID                        int64  `json:"app_id"`
	Name                         string `json:"name"`
	PaymentProcessingBotUsername string `json:"payment_processing_bot_username"`
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

func (c *Client) CreateInvoice(ctx context.Context, p CreateInvoiceParams) (*Invoice, error) {
	if p.CurrencyType == "" {
		p.CurrencyType = "crypto"
	}
	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "createInvoice", p, &inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return &inv, nil
}

func (c *Client) GetMe(ctx context.Context) (*App, error) {
	var app App
	if err := c.do(ctx, http.MethodGet, "getMe", nil, &app); err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	return &app, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(payloadJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var result apiResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		if result.Error != nil {
			return fmt.Errorf("crypto pay error %d: %s", result.Error.Code, result.Error.Name)
		}
		return fmt.Errorf("crypto pay error: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result.Result, out); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}
