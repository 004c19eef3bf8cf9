package exchange

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKnownCodes(t *testing.T) {
	cases := []struct {
		venue string
		code  string
		want  ErrorKind
	}{
		{"binance", "-2019", ErrInsufficientBalance},
		{"binance", "-1121", ErrInvalidSymbol},
		{"binance", "-1003", ErrRateLimit},
		{"bybit", "110007", ErrInsufficientBalance},
		{"bybit", "10006", ErrRateLimit},
		{"okx", "51008", ErrInsufficientBalance},
		{"gate", "BALANCE_NOT_ENOUGH", ErrInsufficientBalance},
		{"kucoin", "429000", ErrRateLimit},
		{"bitget", "43012", ErrInsufficientBalance},
	}
	for _, tc := range cases {
		got := Classify(tc.venue, tc.code, "")
		assert.Equal(t, tc.want, got.Kind, "%s/%s", tc.venue, tc.code)
		assert.Equal(t, tc.venue, got.Venue)
	}
}

func TestClassifyFallsBackToMessage(t *testing.T) {
	err := Classify("binance", "-9999", "Account has insufficient balance for requested action")
	assert.Equal(t, ErrInsufficientBalance, err.Kind)

	err = Classify("okx", "", "request timeout, please try again")
	assert.Equal(t, ErrTransientNetwork, err.Kind)

	err = Classify("bybit", "", "something completely novel")
	assert.Equal(t, ErrUnknown, err.Kind)
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, ErrRateLimit.Retryable())
	assert.True(t, ErrTransientNetwork.Retryable())
	assert.False(t, ErrInsufficientBalance.Retryable())
	assert.False(t, ErrAuth.Retryable())
	assert.False(t, ErrNotionalTooSmall.Retryable())
}

func TestKindOfUnwrapsChain(t *testing.T) {
	inner := Classify("binance", "-2019", "insufficient balance")
	wrapped := fmt.Errorf("placing order: %w", inner)
	assert.Equal(t, ErrInsufficientBalance, KindOf(wrapped))
	assert.Equal(t, ErrUnknown, KindOf(fmt.Errorf("plain")))

	require.NotNil(t, ClassifyTransport("okx", fmt.Errorf("dial tcp: refused")))
	assert.Equal(t, ErrTransientNetwork, KindOf(ClassifyTransport("okx", fmt.Errorf("dial tcp: refused"))))
}
