package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payrelay.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Network != "mainnet" {
		t.Fatalf("network = %q", cfg.Network)
	}
	if cfg.SessionBackend != "memory" {
		t.Fatalf("session backend = %q", cfg.SessionBackend)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
listen_addr: ":9090"
network: testnet
webhooks:
  coinbase_webhook_secret: cb-secret
node:
  rpc_url: http://node:7076
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Network != "testnet" {
		t.Fatalf("network = %q", cfg.Network)
	}
	if cfg.Webhooks.CoinbaseWebhookSecret != "cb-secret" {
		t.Fatalf("coinbase secret = %q", cfg.Webhooks.CoinbaseWebhookSecret)
	}
	if cfg.Node.RPCURL != "http://node:7076" {
		t.Fatalf("node rpc url = %q", cfg.Node.RPCURL)
	}
	// Untouched fields keep their defaults.
	if cfg.SessionBackend != "memory" {
		t.Fatalf("session backend = %q", cfg.SessionBackend)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
listen_addr: ":9090"
network: testnet
`)
	t.Setenv("PAYRELAY_LISTEN_ADDR", ":7070")
	t.Setenv("NOWPAYMENTS_API_KEY", "np-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("listen addr = %q, env should win over file", cfg.ListenAddr)
	}
	if cfg.Network != "testnet" {
		t.Fatalf("network = %q, file layer should survive under env", cfg.Network)
	}
	if cfg.Payments.NOWPaymentsAPIKey != "np-key" {
		t.Fatalf("nowpayments api key = %q", cfg.Payments.NOWPaymentsAPIKey)
	}
}

func TestLoadRejectsInvalidSessionBackend(t *testing.T) {
	t.Setenv("PAYRELAY_SESSION_BACKEND", "etcd")
	if _, err := Load(""); err == nil {
		t.Fatal("invalid session backend accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing config file should error")
	}
}
