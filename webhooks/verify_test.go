package webhooks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinPaymentsSignatureRoundTrip(t *testing.T) {
	secret := "ipn-secret"
	body := []byte("ipn_version=1.0&ipn_type=api&txn_id=CPGB1T&status=100&status_text=Complete&amount1=9.99&currency1=USD&custom=ord-42")

	sig, err := Sign(ProviderCoinPayments, body, secret)
	require.NoError(t, err)

	assert.True(t, Verify(ProviderCoinPayments, body, sig, secret))

	t.Run("tampered body fails", func(t *testing.T) {
		tampered := []byte(strings.Replace(string(body), "9.99", "0.01", 1))
		assert.False(t, Verify(ProviderCoinPayments, tampered, sig, secret))
	})

	t.Run("flipped signature character fails", func(t *testing.T) {
		bad := []byte(sig)
		if bad[0] == 'a' {
			bad[0] = 'b'
		} else {
			bad[0] = 'a'
		}
		assert.False(t, Verify(ProviderCoinPayments, body, string(bad), secret))
	})

	t.Run("hex case and whitespace are tolerated", func(t *testing.T) {
		assert.True(t, Verify(ProviderCoinPayments, body, strings.ToUpper(sig), secret))
		assert.True(t, Verify(ProviderCoinPayments, body, "  "+sig+"\n", secret))
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		assert.False(t, Verify(ProviderCoinPayments, body, sig, "other-secret"))
	})
}

func TestNOWPaymentsSortedKeyCanonicalization(t *testing.T) {
	secret := "nowp-secret"
	// Keys deliberately out of lexicographic order.
	unsorted := []byte(`{"payment_status": "finished", "order_id": "ord-7", "payment_id": 4493, "pay_amount": 0.5}`)
	sorted := []byte(`{"order_id":"ord-7","pay_amount":0.5,"payment_id":4493,"payment_status":"finished"}`)

	sig, err := Sign(ProviderNOWPayments, unsorted, secret)
	require.NoError(t, err)

	// The signature is over the sorted form, so both serializations of the
	// same object verify.
	assert.True(t, Verify(ProviderNOWPayments, unsorted, sig, secret))
	assert.True(t, Verify(ProviderNOWPayments, sorted, sig, secret))

	t.Run("signature over the raw unsorted bytes does not verify", func(t *testing.T) {
		rawSig, err := Sign(ProviderCoinPayments, unsorted, secret)
		require.NoError(t, err)
		assert.False(t, Verify(ProviderNOWPayments, unsorted, rawSig, secret))
	})

	t.Run("non-object body fails closed", func(t *testing.T) {
		assert.False(t, Verify(ProviderNOWPayments, []byte(`[1,2,3]`), sig, secret))
		assert.False(t, Verify(ProviderNOWPayments, []byte(`not json`), sig, secret))
	})

	t.Run("changed value fails", func(t *testing.T) {
		changed := []byte(`{"payment_status": "finished", "order_id": "ord-8", "payment_id": 4493, "pay_amount": 0.5}`)
		assert.False(t, Verify(ProviderNOWPayments, changed, sig, secret))
	})
}

func TestCoinbaseSignsRawBytes(t *testing.T) {
	secret := "cb-secret"
	body := []byte(`{"event":{"id":"evt-1","type":"charge:confirmed","data":{"code":"CHG1"}}}`)

	sig, err := Sign(ProviderCoinbase, body, secret)
	require.NoError(t, err)
	assert.True(t, Verify(ProviderCoinbase, body, sig, secret))

	t.Run("semantically equal but re-spaced JSON fails", func(t *testing.T) {
		respaced := []byte(`{ "event": { "id": "evt-1", "type": "charge:confirmed", "data": { "code": "CHG1" } } }`)
		assert.False(t, Verify(ProviderCoinbase, respaced, sig, secret))
	})
}

func TestEmptySecretFailsClosed(t *testing.T) {
	body := []byte(`{"payment_id":1,"payment_status":"finished"}`)
	for _, p := range []Provider{ProviderCoinPayments, ProviderNOWPayments, ProviderCoinbase} {
		sig, err := Sign(p, body, "some-secret")
		require.NoError(t, err)
		assert.False(t, Verify(p, body, sig, ""), "provider %s must fail closed without a secret", p)
		assert.False(t, Verify(p, body, "", "some-secret"), "provider %s must reject an absent signature", p)
	}
}

func TestVerifyUnknownProvider(t *testing.T) {
	assert.False(t, Verify(Provider("stripe"), []byte("{}"), "00", "secret"))
	_, err := Sign(Provider("stripe"), []byte("{}"), "secret")
	assert.Error(t, err)
}

func TestSignatureHeaders(t *testing.T) {
	assert.Equal(t, "Hmac", SignatureHeader(ProviderCoinPayments))
	assert.Equal(t, "X-Nowpayments-Sig", SignatureHeader(ProviderNOWPayments))
	assert.Equal(t, "X-CC-Webhook-Signature", SignatureHeader(ProviderCoinbase))
	assert.Equal(t, "", SignatureHeader(Provider("stripe")))
}
