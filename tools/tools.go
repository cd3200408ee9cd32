// Package tools defines the gateway's tool surface: thin, uniformly-shaped
// handlers that validate input, call a remote API, and format the outcome as
// text content. Handlers return their own failures as errors; the dispatch
// boundary converts those into error-shaped results.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tyler-smith/go-bip39"

	"github.com/payrelay/payrelay-go/internal/chain"
	"github.com/payrelay/payrelay-go/internal/payments"
	"github.com/payrelay/payrelay-go/mcp"
	"github.com/payrelay/payrelay-go/sessions"
	"github.com/payrelay/payrelay-go/toolkit"
)

// Deps carries the remote clients the handlers call. Nil clients disable
// the tools that need them; the registry then simply does not list those.
type Deps struct {
	Chain       *chain.Client
	NOWPayments *payments.NOWPaymentsClient
	// SendWallet names the node wallet used by the send tool. Empty
	// disables sending.
	SendWallet string
}

// NewRegistry assembles the tool registry from the available dependencies.
func NewRegistry(deps Deps) (*toolkit.Registry, error) {
	var defs []toolkit.Tool

	defs = append(defs,
		toolkit.NewTool("validate_address", validateAddress,
			toolkit.WithDescription("Validate a blockchain address checksum (btc base58check or eth EIP-55).")),
		toolkit.NewTool("wallet_create", walletCreate,
			toolkit.WithDescription("Generate a BIP-39 mnemonic and its derived seed.")),
	)

	if deps.Chain != nil {
		defs = append(defs,
			toolkit.NewTool("account_balance", accountBalance(deps.Chain),
				toolkit.WithDescription("Read the settled and receivable balance of an account.")),
			toolkit.NewTool("account_history", accountHistory(deps.Chain),
				toolkit.WithDescription("List recent confirmed transactions of an account.")),
			toolkit.NewTool("block_info", blockInfo(deps.Chain),
				toolkit.WithDescription("Read a block by hash.")),
		)
		if deps.SendWallet != "" {
			defs = append(defs,
				toolkit.NewTool("send", send(deps.Chain, deps.SendWallet),
					toolkit.WithDescription("Send an amount from a node-managed account to a destination.")))
		}
	}

	if deps.NOWPayments != nil {
		defs = append(defs,
			toolkit.NewTool("payment_create", paymentCreate(deps.NOWPayments),
				toolkit.WithDescription("Create a payment for an order at the payment provider.")),
			toolkit.NewTool("payment_status", paymentStatus(deps.NOWPayments),
				toolkit.WithDescription("Read the current status of a payment.")),
			toolkit.NewTool("payment_wait", paymentWait(deps.NOWPayments),
				toolkit.WithDescription("Wait for a payment to reach a terminal status, bounded by max_wait_seconds.")),
			toolkit.NewTool("estimate_price", estimatePrice(deps.NOWPayments),
				toolkit.WithDescription("Estimate the crypto amount equivalent to a price.")),
			toolkit.NewTool("list_currencies", listCurrencies(deps.NOWPayments),
				toolkit.WithDescription("List the currencies the payment provider accepts.")),
		)
	}

	return toolkit.NewRegistry(defs...)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("format result: %w", err)
	}
	return toolkit.TextResult(string(b)), nil
}

type validateAddressArgs struct {
	Kind    string `json:"kind" jsonschema:"enum=btc,enum=eth,description=Address format to validate against"`
	Address string `json:"address" jsonschema:"description=The address to validate"`
}

func validateAddress(ctx context.Context, _ sessions.Session, args validateAddressArgs) (*mcp.CallToolResult, error) {
	if args.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if err := chain.ValidateAddress(chain.AddressKind(args.Kind), args.Address); err != nil {
		return toolkit.Errorf("invalid %s address: %v", args.Kind, err), nil
	}
	return toolkit.TextResult(fmt.Sprintf("valid %s address", args.Kind)), nil
}

type walletCreateArgs struct {
	Bits int `json:"bits,omitempty" jsonschema:"description=Entropy size in bits; 128 or 256 (default 256)"`
}

func walletCreate(ctx context.Context, _ sessions.Session, args walletCreateArgs) (*mcp.CallToolResult, error) {
	bits := args.Bits
	if bits == 0 {
		bits = 256
	}
	if bits != 128 && bits != 256 {
		return nil, fmt.Errorf("bits must be 128 or 256")
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("derive mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	return jsonResult(map[string]any{
		"mnemonic": mnemonic,
		"seed_hex": fmt.Sprintf("%x", seed),
	})
}

type accountArgs struct {
	Account string `json:"account" jsonschema:"description=Account address"`
}

func accountBalance(c *chain.Client) func(context.Context, sessions.Session, accountArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args accountArgs) (*mcp.CallToolResult, error) {
		if args.Account == "" {
			return nil, fmt.Errorf("account is required")
		}
		bal, err := c.AccountBalance(ctx, args.Account)
		if err != nil {
			return nil, err
		}
		return jsonResult(bal)
	}
}

type accountHistoryArgs struct {
	Account string `json:"account" jsonschema:"description=Account address"`
	Count   int    `json:"count,omitempty" jsonschema:"description=Number of entries to return (default 10)"`
}

func accountHistory(c *chain.Client) func(context.Context, sessions.Session, accountHistoryArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args accountHistoryArgs) (*mcp.CallToolResult, error) {
		if args.Account == "" {
			return nil, fmt.Errorf("account is required")
		}
		entries, err := c.AccountHistory(ctx, args.Account, args.Count)
		if err != nil {
			return nil, err
		}
		return jsonResult(map[string]any{"account": args.Account, "history": entries})
	}
}

type blockInfoArgs struct {
	Hash string `json:"hash" jsonschema:"description=Block hash"`
}

func blockInfo(c *chain.Client) func(context.Context, sessions.Session, blockInfoArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args blockInfoArgs) (*mcp.CallToolResult, error) {
		if args.Hash == "" {
			return nil, fmt.Errorf("hash is required")
		}
		info, err := c.Block(ctx, args.Hash)
		if err != nil {
			return nil, err
		}
		return jsonResult(info)
	}
}

type sendArgs struct {
	Source      string `json:"source" jsonschema:"description=Source account managed by the node wallet"`
	Destination string `json:"destination" jsonschema:"description=Destination account"`
	Amount      string `json:"amount" jsonschema:"description=Amount in raw units"`
	ID          string `json:"id,omitempty" jsonschema:"description=Idempotency id for safe retries"`
}

func send(c *chain.Client, wallet string) func(context.Context, sessions.Session, sendArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args sendArgs) (*mcp.CallToolResult, error) {
		if args.Source == "" || args.Destination == "" || args.Amount == "" {
			return nil, fmt.Errorf("source, destination and amount are required")
		}
		hash, err := c.Send(ctx, wallet, args.Source, args.Destination, args.Amount, args.ID)
		if err != nil {
			return nil, err
		}
		return jsonResult(map[string]any{"block": hash})
	}
}

type paymentCreateArgs struct {
	PriceAmount   float64 `json:"price_amount" jsonschema:"description=Order price in price_currency"`
	PriceCurrency string  `json:"price_currency" jsonschema:"description=Fiat or crypto ticker the price is denominated in"`
	PayCurrency   string  `json:"pay_currency" jsonschema:"description=Crypto ticker the customer pays with"`
	OrderID       string  `json:"order_id,omitempty" jsonschema:"description=Merchant order identifier"`
}

func paymentCreate(c *payments.NOWPaymentsClient) func(context.Context, sessions.Session, paymentCreateArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args paymentCreateArgs) (*mcp.CallToolResult, error) {
		p, err := c.CreatePayment(ctx, &payments.CreatePaymentRequest{
			PriceAmount:   args.PriceAmount,
			PriceCurrency: args.PriceCurrency,
			PayCurrency:   args.PayCurrency,
			OrderID:       args.OrderID,
		})
		if err != nil {
			return nil, err
		}
		return jsonResult(p)
	}
}

type paymentStatusArgs struct {
	PaymentID string `json:"payment_id" jsonschema:"description=Provider payment identifier"`
}

func paymentStatus(c *payments.NOWPaymentsClient) func(context.Context, sessions.Session, paymentStatusArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args paymentStatusArgs) (*mcp.CallToolResult, error) {
		p, err := c.PaymentStatus(ctx, args.PaymentID)
		if err != nil {
			return nil, err
		}
		return jsonResult(p)
	}
}

type paymentWaitArgs struct {
	PaymentID      string `json:"payment_id" jsonschema:"description=Provider payment identifier"`
	MaxWaitSeconds int    `json:"max_wait_seconds,omitempty" jsonschema:"description=Upper bound on the wait (default 120)"`
}

func paymentWait(c *payments.NOWPaymentsClient) func(context.Context, sessions.Session, paymentWaitArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args paymentWaitArgs) (*mcp.CallToolResult, error) {
		maxWait := time.Duration(args.MaxWaitSeconds) * time.Second
		p, err := c.WaitForStatus(ctx, args.PaymentID, nil, 0, maxWait)
		if err != nil {
			return nil, err
		}
		return jsonResult(p)
	}
}

type estimatePriceArgs struct {
	Amount float64 `json:"amount" jsonschema:"description=Amount in the source currency"`
	From   string  `json:"from" jsonschema:"description=Source currency ticker"`
	To     string  `json:"to" jsonschema:"description=Target currency ticker"`
}

func estimatePrice(c *payments.NOWPaymentsClient) func(context.Context, sessions.Session, estimatePriceArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, args estimatePriceArgs) (*mcp.CallToolResult, error) {
		est, err := c.EstimatePrice(ctx, args.Amount, args.From, args.To)
		if err != nil {
			return nil, err
		}
		return jsonResult(est)
	}
}

type listCurrenciesArgs struct{}

func listCurrencies(c *payments.NOWPaymentsClient) func(context.Context, sessions.Session, listCurrenciesArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ sessions.Session, _ listCurrenciesArgs) (*mcp.CallToolResult, error) {
		currencies, err := c.ListCurrencies(ctx)
		if err != nil {
			return nil, err
		}
		return jsonResult(map[string]any{"currencies": currencies})
	}
}
