// Package payments holds the REST clients for the payment providers the
// gateway fronts. Clients are thin: authenticate, call, decode; retry policy
// belongs to the caller.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	nowPaymentsBaseURL = "https://api.nowpayments.io/v1"
	defaultHTTPTimeout = 20 * time.Second
)

// NOWPaymentsClient calls the NOWPayments REST API. Safe for concurrent use.
type NOWPaymentsClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NOWPaymentsOption configures the client.
type NOWPaymentsOption func(*NOWPaymentsClient)

// WithNOWPaymentsBaseURL overrides the API base URL, for tests.
func WithNOWPaymentsBaseURL(u string) NOWPaymentsOption {
	return func(c *NOWPaymentsClient) { c.baseURL = u }
}

// WithNOWPaymentsHTTPClient overrides the underlying HTTP client.
func WithNOWPaymentsHTTPClient(hc *http.Client) NOWPaymentsOption {
	return func(c *NOWPaymentsClient) { c.http = hc }
}

// NewNOWPaymentsClient builds a client authenticated by apiKey.
func NewNOWPaymentsClient(apiKey string, opts ...NOWPaymentsOption) (*NOWPaymentsClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("nowpayments api key is required")
	}
	c := &NOWPaymentsClient{
		baseURL: nowPaymentsBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type apiError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (c *NOWPaymentsClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nowpayments %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
			return fmt.Errorf("nowpayments %s %s: %s (%d)", method, path, ae.Message, res.StatusCode)
		}
		return fmt.Errorf("nowpayments %s %s: unexpected status %d", method, path, res.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreatePaymentRequest asks the provider to open a payment for an order.
type CreatePaymentRequest struct {
	PriceAmount   float64 `json:"price_amount"`
	PriceCurrency string  `json:"price_currency"`
	PayCurrency   string  `json:"pay_currency"`
	OrderID       string  `json:"order_id,omitempty"`
	IPNCallback   string  `json:"ipn_callback_url,omitempty"`
}

// Payment is the provider's view of one payment.
type Payment struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	PayAddress    string      `json:"pay_address"`
	PayAmount     json.Number `json:"pay_amount"`
	PayCurrency   string      `json:"pay_currency"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	OrderID       string      `json:"order_id"`
	CreatedAt     string      `json:"created_at"`
	UpdatedAt     string      `json:"updated_at"`
}

// CreatePayment opens a payment.
func (c *NOWPaymentsClient) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*Payment, error) {
	if req == nil || req.PriceAmount <= 0 || req.PriceCurrency == "" || req.PayCurrency == "" {
		return nil, fmt.Errorf("price_amount, price_currency and pay_currency are required")
	}
	var out Payment
	if err := c.do(ctx, http.MethodPost, "/payment", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PaymentStatus reads the current state of a payment.
func (c *NOWPaymentsClient) PaymentStatus(ctx context.Context, paymentID string) (*Payment, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("payment id is required")
	}
	var out Payment
	if err := c.do(ctx, http.MethodGet, "/payment/"+url.PathEscape(paymentID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Estimate is a conversion quote.
type Estimate struct {
	CurrencyFrom    string      `json:"currency_from"`
	CurrencyTo      string      `json:"currency_to"`
	AmountFrom      json.Number `json:"amount_from"`
	EstimatedAmount json.Number `json:"estimated_amount"`
}

// EstimatePrice quotes the crypto amount a fiat price converts to.
func (c *NOWPaymentsClient) EstimatePrice(ctx context.Context, amount float64, from, to string) (*Estimate, error) {
	if amount <= 0 || from == "" || to == "" {
		return nil, fmt.Errorf("amount, from and to are required")
	}
	q := url.Values{}
	q.Set("amount", fmt.Sprintf("%g", amount))
	q.Set("currency_from", from)
	q.Set("currency_to", to)
	var out Estimate
	if err := c.do(ctx, http.MethodGet, "/estimate", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCurrencies returns the tickers the provider currently accepts.
func (c *NOWPaymentsClient) ListCurrencies(ctx context.Context) ([]string, error) {
	var out struct {
		Currencies []string `json:"currencies"`
	}
	if err := c.do(ctx, http.MethodGet, "/currencies", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Currencies, nil
}

// WaitForStatus polls a payment until it reaches a terminal status or one of
// wanted, bounded by maxWait. Exceeding the bound fails with a timeout error
// rather than hanging the invocation.
func (c *NOWPaymentsClient) WaitForStatus(ctx context.Context, paymentID string, wanted []string, interval, maxWait time.Duration) (*Payment, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	wantedSet := make(map[string]struct{}, len(wanted))
	for _, s := range wanted {
		wantedSet[s] = struct{}{}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := c.PaymentStatus(ctx, paymentID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("timed out waiting for payment %s: %w", paymentID, ctx.Err())
			}
			return nil, err
		}
		if _, ok := wantedSet[p.PaymentStatus]; ok || isTerminalPaymentStatus(p.PaymentStatus) {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for payment %s: %w", paymentID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func isTerminalPaymentStatus(status string) bool {
	switch status {
	case "finished", "failed", "expired", "refunded":
		return true
	}
	return false
}
