package domain_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spooky-finn/marketstate-bridge/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamKey(t *testing.T) {
	ethUsdt := domain.MarketSymbol{BaseAsset: "eth", QuoteAsset: "usdt"}

	for _, key := range []domain.StreamKey{
		domain.OrderBookKey(btcUsdt),
		domain.TradesKey(btcUsdt),
		domain.FillsKey(ethUsdt),
		domain.OrdersKey(ethUsdt),
		domain.CandlesKey(ethUsdt, "1m"),
	} {
		parsed, err := domain.ParseStreamKey(key.String())
		require.NoError(t, err, key.String())
		assert.Equal(t, key, parsed)
	}

	parsed, err := domain.ParseStreamKey(" trades:BTC_USDT ")
	require.NoError(t, err)
	assert.Equal(t, domain.TradesKey(btcUsdt), parsed)
}

func TestParseStreamKey_Rejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"orderbook",
		"ticker:btc_usdt",
		"orderbook:btcusdt",
		"candles:btc_usdt",
		"trades:btc_usdt:1m",
	} {
		_, err := domain.ParseStreamKey(raw)
		require.Error(t, err, raw)
		_, traced := err.(interface{ StackTrace() errors.StackTrace })
		assert.True(t, traced, raw)
	}
}

func TestFetchErrorClassification(t *testing.T) {
	transient := domain.NewTransientFetchError(btcUsdt, errors.New("timeout"))
	permanent := domain.NewPermanentFetchError(btcUsdt, errors.New("invalid symbol"))
	wrapped := errors.Wrap(permanent, "attempt 1")

	assert.True(t, domain.IsRetriable(transient))
	assert.False(t, domain.IsPermanent(transient))
	assert.True(t, domain.IsPermanent(wrapped))
	assert.False(t, domain.IsRetriable(wrapped))

	plain := errors.New("boom")
	assert.False(t, domain.IsRetriable(plain))
	assert.False(t, domain.IsPermanent(plain))

	assert.Contains(t, transient.Error(), "btc_usdt")
	assert.Equal(t, "timeout", errors.Cause(transient.Unwrap()).Error())
}
