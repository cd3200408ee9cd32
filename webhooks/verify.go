// Package webhooks ingests asynchronous payment notifications. Each provider
// signs its deliveries with a different HMAC scheme over a different
// canonicalization of the payload; the three code paths are kept strictly
// separate because using the wrong canonicalization is indistinguishable from
// tampering.
package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// Provider identifies one webhook source. The provider is determined by
// which endpoint received the delivery, never by payload content.
type Provider string

const (
	// ProviderCoinPayments signs the exact form-encoded IPN body with
	// HMAC-SHA512; the signature travels in the HMAC header.
	ProviderCoinPayments Provider = "coinpayments"
	// ProviderNOWPayments signs the JSON body re-serialized with sorted
	// top-level keys using HMAC-SHA512; header x-nowpayments-sig.
	ProviderNOWPayments Provider = "nowpayments"
	// ProviderCoinbase signs the raw received bytes with HMAC-SHA256;
	// header X-CC-Webhook-Signature.
	ProviderCoinbase Provider = "coinbase"
)

// SignatureHeader names the header each provider delivers its signature in.
func SignatureHeader(p Provider) string {
	switch p {
	case ProviderCoinPayments:
		return "Hmac"
	case ProviderNOWPayments:
		return "X-Nowpayments-Sig"
	case ProviderCoinbase:
		return "X-CC-Webhook-Signature"
	}
	return ""
}

// Secrets holds the per-provider shared secrets. Read-only after start. An
// empty secret means verification is unavailable for that provider and every
// delivery fails closed.
type Secrets struct {
	CoinPayments string
	NOWPayments  string
	Coinbase     string
}

func (s Secrets) secretFor(p Provider) string {
	switch p {
	case ProviderCoinPayments:
		return s.CoinPayments
	case ProviderNOWPayments:
		return s.NOWPayments
	case ProviderCoinbase:
		return s.Coinbase
	}
	return ""
}

// Verify recomputes the expected signature for rawBody under provider p's
// canonicalization and compares it against receivedSig in constant time.
// Returns false, never an error, when the secret is unconfigured or the
// payload cannot be canonicalized.
func Verify(p Provider, rawBody []byte, receivedSig, secret string) bool {
	if secret == "" || receivedSig == "" {
		return false
	}

	var mac hash.Hash
	var signed []byte
	switch p {
	case ProviderCoinPayments:
		mac = hmac.New(sha512.New, []byte(secret))
		signed = rawBody
	case ProviderNOWPayments:
		canonical, err := sortedJSONBody(rawBody)
		if err != nil {
			return false
		}
		mac = hmac.New(sha512.New, []byte(secret))
		signed = canonical
	case ProviderCoinbase:
		mac = hmac.New(sha256.New, []byte(secret))
		signed = rawBody
	default:
		return false
	}

	mac.Write(signed)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(receivedSig)))
	if err != nil {
		return false
	}
	return hmac.Equal(got, expected)
}

// sortedJSONBody re-serializes a JSON object with its top-level keys in
// lexicographic order and no insignificant whitespace. Nested values keep
// their received serialization apart from compaction.
func sortedJSONBody(rawBody []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &obj); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		var compact bytes.Buffer
		if err := json.Compact(&compact, obj[k]); err != nil {
			return nil, fmt.Errorf("compact value of %q: %w", k, err)
		}
		buf.Write(compact.Bytes())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Sign computes the hex signature a provider would attach to rawBody. Used
// by tests and by outbound IPN simulation.
func Sign(p Provider, rawBody []byte, secret string) (string, error) {
	var mac hash.Hash
	signed := rawBody
	switch p {
	case ProviderCoinPayments:
		mac = hmac.New(sha512.New, []byte(secret))
	case ProviderNOWPayments:
		canonical, err := sortedJSONBody(rawBody)
		if err != nil {
			return "", err
		}
		mac = hmac.New(sha512.New, []byte(secret))
		signed = canonical
	case ProviderCoinbase:
		mac = hmac.New(sha256.New, []byte(secret))
	default:
		return "", fmt.Errorf("unknown provider %q", p)
	}
	mac.Write(signed)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
