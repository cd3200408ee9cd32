package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoinPaymentsIPN(t *testing.T) {
	body := []byte("ipn_type=api&txn_id=CPGB1T&status=100&status_text=Complete&amount1=9.99&currency1=USD&custom=ord-42")

	ev, err := ParseEvent(ProviderCoinPayments, body)
	require.NoError(t, err)
	assert.Equal(t, ProviderCoinPayments, ev.Provider)
	assert.Equal(t, "CPGB1T", ev.EventID)
	assert.Equal(t, "ord-42", ev.OrderID)
	assert.Equal(t, StatusCompleted, ev.Status)
	assert.Equal(t, "9.99", ev.Amount)
	assert.Equal(t, "USD", ev.Currency)
	require.NotNil(t, ev.CoinPayments)
	assert.Equal(t, 100, ev.CoinPayments.Status)
	assert.Nil(t, ev.NOWPayments)
	assert.Nil(t, ev.Coinbase)

	t.Run("missing txn_id is structural", func(t *testing.T) {
		_, err := ParseEvent(ProviderCoinPayments, []byte("status=100"))
		assert.Error(t, err)
	})

	t.Run("non-numeric status is structural", func(t *testing.T) {
		_, err := ParseEvent(ProviderCoinPayments, []byte("txn_id=x&status=complete"))
		assert.Error(t, err)
	})
}

func TestClassifyCoinPaymentsStatusCodes(t *testing.T) {
	cases := map[int]Status{
		-1:  StatusFailed,
		0:   StatusPending,
		1:   StatusConfirmed,
		2:   StatusCompleted,
		3:   StatusConfirmed,
		100: StatusCompleted,
	}
	for code, want := range cases {
		assert.Equal(t, want, classifyCoinPayments(code), "status code %d", code)
	}
}

func TestParseNOWPaymentsEvent(t *testing.T) {
	body := []byte(`{"payment_id":4493,"payment_status":"confirming","pay_address":"0xabc","pay_amount":0.5,"pay_currency":"eth","price_amount":950,"price_currency":"usd","order_id":"ord-7"}`)

	ev, err := ParseEvent(ProviderNOWPayments, body)
	require.NoError(t, err)
	assert.Equal(t, "4493", ev.EventID)
	assert.Equal(t, "ord-7", ev.OrderID)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, "0.5", ev.Amount)
	assert.Equal(t, "eth", ev.Currency)
	require.NotNil(t, ev.NOWPayments)

	t.Run("missing payment_status is structural", func(t *testing.T) {
		_, err := ParseEvent(ProviderNOWPayments, []byte(`{"payment_id":4493}`))
		assert.Error(t, err)
	})

	t.Run("unrecognized status maps to unknown", func(t *testing.T) {
		ev, err := ParseEvent(ProviderNOWPayments, []byte(`{"payment_id":1,"payment_status":"brand_new_state"}`))
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, ev.Status)
		assert.False(t, ev.Status.Terminal())
	})
}

func TestParseCoinbaseEvent(t *testing.T) {
	body := []byte(`{"event":{"id":"evt-9","type":"charge:pending","data":{"code":"CHG1","name":"Order 42","pricing":{"local":{"amount":"9.99","currency":"USD"}}}}}`)

	ev, err := ParseEvent(ProviderCoinbase, body)
	require.NoError(t, err)
	assert.Equal(t, "evt-9", ev.EventID)
	assert.Equal(t, "CHG1", ev.OrderID)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, "9.99", ev.Amount)
	assert.Equal(t, "USD", ev.Currency)

	t.Run("missing event envelope is structural", func(t *testing.T) {
		_, err := ParseEvent(ProviderCoinbase, []byte(`{"event":{"id":"evt-9"}}`))
		assert.Error(t, err)
	})
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusExpired, StatusRefunded}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}
	open := []Status{StatusCreated, StatusPending, StatusConfirmed, StatusUnknown}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s", s)
	}
}
