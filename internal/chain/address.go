package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// AddressKind names a validated address format.
type AddressKind string

const (
	AddressKindBTC AddressKind = "btc"
	AddressKindETH AddressKind = "eth"
)

// ValidateAddress checks addr against the named format. A nil error means
// the address is structurally valid and its checksum holds.
func ValidateAddress(kind AddressKind, addr string) error {
	switch kind {
	case AddressKindBTC:
		return validateBase58Check(addr)
	case AddressKindETH:
		return validateEIP55(addr)
	}
	return fmt.Errorf("unknown address kind %q", kind)
}

// validateBase58Check verifies a legacy base58check address: the last four
// bytes are the truncated double-SHA256 of everything before them.
func validateBase58Check(addr string) error {
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("not base58: %w", err)
	}
	if len(raw) < 5 {
		return fmt.Errorf("address too short")
	}
	payload, checksum := raw[:len(raw)-4], raw[len(raw)-4:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := 0; i < 4; i++ {
		if checksum[i] != second[i] {
			return fmt.Errorf("checksum mismatch")
		}
	}
	return nil
}

// validateEIP55 verifies a hex address. All-lower and all-upper forms carry
// no checksum and pass on shape alone; mixed case must match the EIP-55
// keccak capitalization exactly.
func validateEIP55(addr string) error {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return fmt.Errorf("expected 0x-prefixed 40 hex chars")
	}
	body := addr[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return fmt.Errorf("not hex: %w", err)
	}
	lower := strings.ToLower(body)
	if body == lower || body == strings.ToUpper(body) {
		return nil
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	for i := 0; i < len(body); i++ {
		ch := body[i]
		if ch >= '0' && ch <= '9' {
			continue
		}
		upper := digest[i] >= '8'
		if upper != (ch >= 'A' && ch <= 'F') {
			return fmt.Errorf("checksum mismatch at position %d", i)
		}
	}
	return nil
}
