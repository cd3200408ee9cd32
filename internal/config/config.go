// Package config assembles the gateway's runtime configuration. Values come
// from three layers, each overriding the one before: built-in defaults, an
// optional YAML file, then environment variables. Secrets are read once at
// start and never reloaded.
package config

import (
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the gateway process.
type Config struct {
	// ListenAddr is the HTTP listen address. ENV: PAYRELAY_LISTEN_ADDR
	ListenAddr string `yaml:"listen_addr" env:"PAYRELAY_LISTEN_ADDR"`
	// Network selects the chain network. ENV: PAYRELAY_NETWORK
	Network string `yaml:"network" env:"PAYRELAY_NETWORK"`

	// AuthToken is the static bearer token gating the RPC endpoint. Empty
	// means unauthenticated access is allowed. ENV: PAYRELAY_AUTH_TOKEN
	AuthToken string `yaml:"auth_token" env:"PAYRELAY_AUTH_TOKEN"`

	// JWT enables JWKS-backed bearer validation instead of the static token
	// when JWKSURL is set.
	JWT JWTConfig `yaml:"jwt"`

	// SessionBackend selects the session host: "memory" or "redis".
	// ENV: PAYRELAY_SESSION_BACKEND
	SessionBackend string `yaml:"session_backend" env:"PAYRELAY_SESSION_BACKEND"`

	Node     NodeConfig     `yaml:"node"`
	Payments PaymentsConfig `yaml:"payments"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
}

// JWTConfig configures JWKS-backed bearer validation.
type JWTConfig struct {
	// JWKSURL points at the issuer's JWKS document. ENV: PAYRELAY_JWT_JWKS_URL
	JWKSURL string `yaml:"jwks_url" env:"PAYRELAY_JWT_JWKS_URL"`
	// Issuer is the expected iss claim. ENV: PAYRELAY_JWT_ISSUER
	Issuer string `yaml:"issuer" env:"PAYRELAY_JWT_ISSUER"`
	// Audience is the expected aud claim. ENV: PAYRELAY_JWT_AUDIENCE
	Audience string `yaml:"audience" env:"PAYRELAY_JWT_AUDIENCE"`
}

// NodeConfig configures the blockchain node client.
type NodeConfig struct {
	// RPCURL is the node's action endpoint. ENV: PAYRELAY_NODE_RPC_URL
	RPCURL string `yaml:"rpc_url" env:"PAYRELAY_NODE_RPC_URL"`
	// APIKey authenticates node calls. ENV: PAYRELAY_NODE_API_KEY
	APIKey string `yaml:"api_key" env:"PAYRELAY_NODE_API_KEY"`
	// SendWallet names the node wallet used for outbound sends; empty
	// disables the send tool. ENV: PAYRELAY_NODE_SEND_WALLET
	SendWallet string `yaml:"send_wallet" env:"PAYRELAY_NODE_SEND_WALLET"`
}

// PaymentsConfig configures the payment-provider API clients.
type PaymentsConfig struct {
	// NOWPaymentsAPIKey enables the payment tools. ENV: NOWPAYMENTS_API_KEY
	NOWPaymentsAPIKey string `yaml:"nowpayments_api_key" env:"NOWPAYMENTS_API_KEY"`
}

// WebhooksConfig holds the per-provider shared secrets. An absent secret
// makes that provider's verification unavailable; deliveries are rejected,
// never waved through.
type WebhooksConfig struct {
	// CoinPaymentsIPNSecret signs CoinPayments IPNs. ENV: COINPAYMENTS_IPN_SECRET
	CoinPaymentsIPNSecret string `yaml:"coinpayments_ipn_secret" env:"COINPAYMENTS_IPN_SECRET"`
	// NOWPaymentsIPNSecret signs NOWPayments callbacks. ENV: NOWPAYMENTS_IPN_SECRET
	NOWPaymentsIPNSecret string `yaml:"nowpayments_ipn_secret" env:"NOWPAYMENTS_IPN_SECRET"`
	// CoinbaseWebhookSecret signs Coinbase Commerce events. ENV: COINBASE_WEBHOOK_SECRET
	CoinbaseWebhookSecret string `yaml:"coinbase_webhook_secret" env:"COINBASE_WEBHOOK_SECRET"`
}

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		Network:        "mainnet",
		SessionBackend: "memory",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// envdecode only touches fields whose variables are actually set, so
	// the file layer survives underneath.
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.SessionBackend != "memory" && cfg.SessionBackend != "redis" {
		return nil, fmt.Errorf("invalid session backend %q", cfg.SessionBackend)
	}
	return &cfg, nil
}
