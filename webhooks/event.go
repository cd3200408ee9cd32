package webhooks

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Status is the canonical order lifecycle every provider's vocabulary maps
// onto. The happy path is created -> pending -> confirmed -> completed;
// failed, expired and refunded are terminal.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusRefunded  Status = "refunded"
	StatusUnknown   Status = "unknown"
)

// Terminal reports whether no further lifecycle transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// Event is the provider-tagged, verified form of one webhook delivery.
// Exactly one of the per-provider payload fields is set, matching Provider.
// Events are transient: they live for one delivery cycle and are never
// stored.
type Event struct {
	Provider Provider
	EventID  string
	OrderID  string
	Status   Status
	Amount   string
	Currency string

	CoinPayments *CoinPaymentsIPN
	NOWPayments  *NOWPaymentsEvent
	Coinbase     *CoinbaseEvent
}

// CoinPaymentsIPN is the decoded form-encoded IPN body.
type CoinPaymentsIPN struct {
	IPNType    string
	TxnID      string
	Status     int
	StatusText string
	Amount     string
	Currency   string
	Custom     string
}

// NOWPaymentsEvent is the decoded JSON payment update.
type NOWPaymentsEvent struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	PayAddress    string      `json:"pay_address"`
	PayAmount     json.Number `json:"pay_amount"`
	PayCurrency   string      `json:"pay_currency"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	OrderID       string      `json:"order_id"`
}

// CoinbaseEvent is the decoded charge event envelope.
type CoinbaseEvent struct {
	Event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Code     string `json:"code"`
			Name     string `json:"name"`
			Pricing  map[string]struct {
				Amount   string `json:"amount"`
				Currency string `json:"currency"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"event"`
}

// ParseEvent decodes a verified delivery into the tagged Event form. It
// returns an error only when structurally required fields are absent; such
// deliveries are answered with 400 rather than acknowledged.
func ParseEvent(p Provider, rawBody []byte) (*Event, error) {
	switch p {
	case ProviderCoinPayments:
		return parseCoinPayments(rawBody)
	case ProviderNOWPayments:
		return parseNOWPayments(rawBody)
	case ProviderCoinbase:
		return parseCoinbase(rawBody)
	}
	return nil, fmt.Errorf("unknown provider %q", p)
}

func parseCoinPayments(rawBody []byte) (*Event, error) {
	form, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return nil, fmt.Errorf("decode form body: %w", err)
	}
	txnID := form.Get("txn_id")
	statusStr := form.Get("status")
	if txnID == "" || statusStr == "" {
		return nil, fmt.Errorf("missing txn_id or status")
	}
	statusCode, err := strconv.Atoi(statusStr)
	if err != nil {
		return nil, fmt.Errorf("invalid status %q", statusStr)
	}
	ipn := &CoinPaymentsIPN{
		IPNType:    form.Get("ipn_type"),
		TxnID:      txnID,
		Status:     statusCode,
		StatusText: form.Get("status_text"),
		Amount:     form.Get("amount1"),
		Currency:   form.Get("currency1"),
		Custom:     form.Get("custom"),
	}
	return &Event{
		Provider:     ProviderCoinPayments,
		EventID:      txnID,
		OrderID:      ipn.Custom,
		Status:       classifyCoinPayments(statusCode),
		Amount:       ipn.Amount,
		Currency:     ipn.Currency,
		CoinPayments: ipn,
	}, nil
}

// classifyCoinPayments maps the numeric IPN status: negative is failure,
// 100 and above (or the PayPal-style 2) is complete, anything between is
// still pending confirmation.
func classifyCoinPayments(code int) Status {
	switch {
	case code >= 100 || code == 2:
		return StatusCompleted
	case code < 0:
		return StatusFailed
	case code >= 1:
		return StatusConfirmed
	default:
		return StatusPending
	}
}

func parseNOWPayments(rawBody []byte) (*Event, error) {
	var ev NOWPaymentsEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if ev.PaymentID.String() == "" || ev.PaymentStatus == "" {
		return nil, fmt.Errorf("missing payment_id or payment_status")
	}
	return &Event{
		Provider:    ProviderNOWPayments,
		EventID:     ev.PaymentID.String(),
		OrderID:     ev.OrderID,
		Status:      classifyNOWPayments(ev.PaymentStatus),
		Amount:      ev.PayAmount.String(),
		Currency:    ev.PayCurrency,
		NOWPayments: &ev,
	}, nil
}

func classifyNOWPayments(status string) Status {
	switch status {
	case "waiting":
		return StatusCreated
	case "confirming", "sending", "partially_paid":
		return StatusPending
	case "confirmed":
		return StatusConfirmed
	case "finished":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "expired":
		return StatusExpired
	case "refunded":
		return StatusRefunded
	}
	return StatusUnknown
}

func parseCoinbase(rawBody []byte) (*Event, error) {
	var ev CoinbaseEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if ev.Event.ID == "" || ev.Event.Type == "" {
		return nil, fmt.Errorf("missing event id or type")
	}
	out := &Event{
		Provider: ProviderCoinbase,
		EventID:  ev.Event.ID,
		OrderID:  ev.Event.Data.Code,
		Status:   classifyCoinbase(ev.Event.Type),
		Coinbase: &ev,
	}
	if local, ok := ev.Event.Data.Pricing["local"]; ok {
		out.Amount = local.Amount
		out.Currency = local.Currency
	}
	return out, nil
}

func classifyCoinbase(eventType string) Status {
	switch {
	case eventType == "charge:created":
		return StatusCreated
	case eventType == "charge:pending" || eventType == "charge:delayed":
		return StatusPending
	case eventType == "charge:confirmed" || eventType == "charge:resolved":
		return StatusCompleted
	case eventType == "charge:failed":
		return StatusFailed
	case strings.HasPrefix(eventType, "charge:"):
		return StatusUnknown
	}
	return StatusUnknown
}
