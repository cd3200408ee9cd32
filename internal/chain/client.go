// Package chain talks to the blockchain node the gateway fronts. The node
// speaks an action-style JSON protocol: every call is a POST of
// {"action": ...} plus call-specific fields, answered with a flat JSON
// object that carries an "error" field on failure.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 15 * time.Second

// Client issues node RPC calls. Safe for concurrent use; every invocation
// is independent and bounded by the caller's context plus the client
// timeout.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey attaches an Authorization header to node calls.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// NewClient builds a node client for the given endpoint.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("node endpoint is required")
	}
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type nodeError struct {
	Error string `json:"error"`
}

// call posts an action request and decodes the response into out. Node-side
// errors arrive as 200s with an "error" field; both shapes surface as a Go
// error.
func (c *Client) call(ctx context.Context, action string, params map[string]any, out any) error {
	body := make(map[string]any, len(params)+1)
	body["action"] = action
	for k, v := range params {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("node %s: %w", action, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("node %s: unexpected status %d", action, res.StatusCode)
	}

	var buf json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&buf); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	var ne nodeError
	if err := json.Unmarshal(buf, &ne); err == nil && ne.Error != "" {
		return fmt.Errorf("node %s: %s", action, ne.Error)
	}
	if out != nil {
		if err := json.Unmarshal(buf, out); err != nil {
			return fmt.Errorf("decode %s response: %w", action, err)
		}
	}
	return nil
}

// Balance is an account's settled and unsettled amounts in raw units.
type Balance struct {
	Balance    string `json:"balance"`
	Pending    string `json:"pending"`
	Receivable string `json:"receivable"`
}

// AccountBalance reads the balance of one account.
func (c *Client) AccountBalance(ctx context.Context, account string) (*Balance, error) {
	var out Balance
	if err := c.call(ctx, "account_balance", map[string]any{"account": account}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HistoryEntry is one confirmed transaction on an account.
type HistoryEntry struct {
	Type    string `json:"type"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Hash    string `json:"hash"`
}

// AccountHistory reads up to count recent transactions of an account.
func (c *Client) AccountHistory(ctx context.Context, account string, count int) ([]HistoryEntry, error) {
	if count <= 0 {
		count = 10
	}
	var out struct {
		History []HistoryEntry `json:"history"`
	}
	if err := c.call(ctx, "account_history", map[string]any{"account": account, "count": count}, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// BlockInfo is the node's view of a single block.
type BlockInfo struct {
	BlockAccount string `json:"block_account"`
	Amount       string `json:"amount"`
	Balance      string `json:"balance"`
	Height       string `json:"height"`
	Confirmed    string `json:"confirmed"`
	Subtype      string `json:"subtype"`
}

// Block reads a block by hash.
func (c *Client) Block(ctx context.Context, hash string) (*BlockInfo, error) {
	var out BlockInfo
	if err := c.call(ctx, "block_info", map[string]any{"json_block": "true", "hash": hash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send moves amount raw units from source to destination using the named
// wallet. The id makes retried sends idempotent node-side.
func (c *Client) Send(ctx context.Context, wallet, source, destination, amount, id string) (blockHash string, err error) {
	var out struct {
		Block string `json:"block"`
	}
	params := map[string]any{
		"wallet":      wallet,
		"source":      source,
		"destination": destination,
		"amount":      amount,
	}
	if id != "" {
		params["id"] = id
	}
	if err := c.call(ctx, "send", params, &out); err != nil {
		return "", err
	}
	if out.Block == "" {
		return "", fmt.Errorf("node send: empty block hash")
	}
	return out.Block, nil
}
