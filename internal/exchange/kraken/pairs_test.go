package kraken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca-engine/internal/exchange"
)

func TestNormalizePair_LegacyCohort(t *testing.T) {
	c := NewClient(Config{})

	cases := map[string]string{
		"BTC/USD":  "XXBTZUSD",
		"ETH/USD":  "XETHZUSD",
		"XRP/USD":  "XXRPZUSD",
		"LTC/USD":  "XLTCZUSD",
		"XLM/USD":  "XXLMZUSD",
		"XMR/USD":  "XXMRZUSD",
		"DOGE/USD": "XDGUSD",
		"ETC/USD":  "XETCZUSD",
		"ZEC/USD":  "XZECZUSD",
	}
	for symbol, want := range cases {
		pair, err := c.NormalizePair(symbol)
		require.NoError(t, err, symbol)
		assert.Equal(t, want, pair, symbol)
	}
}

func TestNormalizePair_PlainCohort(t *testing.T) {
	c := NewClient(Config{})

	cases := map[string]string{
		"BCH/USD":   "BCHUSD",
		"SOL/USD":   "SOLUSD",
		"ADA/USD":   "ADAUSD",
		"DOT/USD":   "DOTUSD",
		"MATIC/USD": "MATICUSD",
		"AVAX/USD":  "AVAXUSD",
		"LINK/USD":  "LINKUSD",
		"ATOM/USD":  "ATOMUSD",
	}
	for symbol, want := range cases {
		pair, err := c.NormalizePair(symbol)
		require.NoError(t, err, symbol)
		assert.Equal(t, want, pair, symbol)
	}
}

func TestNormalizePair_UnknownSymbolFailsFast(t *testing.T) {
	c := NewClient(Config{})

	_, err := c.NormalizePair("SHIB/USD")
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.FaultUnknownPair))
}

func TestAssetPrecision(t *testing.T) {
	c := NewClient(Config{})

	decimals, err := c.AssetPrecision("BTC")
	require.NoError(t, err)
	assert.Equal(t, 8, decimals)

	_, err = c.AssetPrecision("NOPE")
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.FaultUnknownPair))
}

func TestMinOrderSize(t *testing.T) {
	c := NewClient(Config{})

	minBTC, err := c.MinOrderSize("XXBTZUSD")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, minBTC)

	_, err = c.MinOrderSize("XXBTZJPY")
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.FaultUnknownPair))
}

func TestClampVolume_TruncatesNotRounds(t *testing.T) {
	// 0.123456789 at 8 decimals truncates to 0.12345678 (never rounds up).
	assert.Equal(t, 0.12345678, clampVolume(0.123456789, 8))
	assert.Equal(t, 0.12, clampVolume(0.129999, 2))
	assert.Equal(t, 5.0, clampVolume(5.0, 8))
}

func TestFormatVolume(t *testing.T) {
	assert.Equal(t, "0.12345678", formatVolume(0.123456789, 8))
	assert.Equal(t, "10", formatVolume(10.0, 8))
}

func TestDisplayAsset(t *testing.T) {
	assert.Equal(t, "BTC", displayAsset("XXBT"))
	assert.Equal(t, "USD", displayAsset("ZUSD"))
	assert.Equal(t, "SOL", displayAsset("SOL"))
}
