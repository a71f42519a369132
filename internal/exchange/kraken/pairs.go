package kraken

import (
	"fmt"

	"dca-engine/internal/exchange"
)

// pairInfo describes a tradable pair in Kraken notation.
type pairInfo struct {
	Pair         string  // exchange pair name, e.g. "XXBTZUSD"
	BaseAsset    string  // display base asset, e.g. "BTC"
	LotDecimals  int     // max decimals on order volume
	OrderMin     float64 // minimum order volume in base units
}

// pairTable maps display symbols to exchange pairs. Kraken keeps two naming
// cohorts: legacy assets carry an X prefix (and Z on fiat), newer listings use
// the plain asset code. The table must stay in sync with supported assets.
var pairTable = map[string]pairInfo{
	// X-prefixed legacy cohort
	"BTC/USD":  {Pair: "XXBTZUSD", BaseAsset: "BTC", LotDecimals: 8, OrderMin: 0.0001},
	"ETH/USD":  {Pair: "XETHZUSD", BaseAsset: "ETH", LotDecimals: 8, OrderMin: 0.01},
	"XRP/USD":  {Pair: "XXRPZUSD", BaseAsset: "XRP", LotDecimals: 8, OrderMin: 10},
	"LTC/USD":  {Pair: "XLTCZUSD", BaseAsset: "LTC", LotDecimals: 8, OrderMin: 0.05},
	"XLM/USD":  {Pair: "XXLMZUSD", BaseAsset: "XLM", LotDecimals: 8, OrderMin: 20},
	"XMR/USD":  {Pair: "XXMRZUSD", BaseAsset: "XMR", LotDecimals: 8, OrderMin: 0.03},
	"DOGE/USD": {Pair: "XDGUSD", BaseAsset: "DOGE", LotDecimals: 8, OrderMin: 20},
	"ETC/USD":  {Pair: "XETCZUSD", BaseAsset: "ETC", LotDecimals: 8, OrderMin: 0.3},
	"ZEC/USD":  {Pair: "XZECZUSD", BaseAsset: "ZEC", LotDecimals: 8, OrderMin: 0.15},

	// Plain cohort
	"BCH/USD":   {Pair: "BCHUSD", BaseAsset: "BCH", LotDecimals: 8, OrderMin: 0.01},
	"SOL/USD":   {Pair: "SOLUSD", BaseAsset: "SOL", LotDecimals: 8, OrderMin: 0.02},
	"ADA/USD":   {Pair: "ADAUSD", BaseAsset: "ADA", LotDecimals: 8, OrderMin: 5},
	"DOT/USD":   {Pair: "DOTUSD", BaseAsset: "DOT", LotDecimals: 8, OrderMin: 0.5},
	"MATIC/USD": {Pair: "MATICUSD", BaseAsset: "MATIC", LotDecimals: 8, OrderMin: 5},
	"AVAX/USD":  {Pair: "AVAXUSD", BaseAsset: "AVAX", LotDecimals: 8, OrderMin: 0.1},
	"LINK/USD":  {Pair: "LINKUSD", BaseAsset: "LINK", LotDecimals: 8, OrderMin: 0.3},
	"ATOM/USD":  {Pair: "ATOMUSD", BaseAsset: "ATOM", LotDecimals: 8, OrderMin: 0.5},
	"UNI/USD":   {Pair: "UNIUSD", BaseAsset: "UNI", LotDecimals: 8, OrderMin: 0.5},
	"AAVE/USD":  {Pair: "AAVEUSD", BaseAsset: "AAVE", LotDecimals: 8, OrderMin: 0.02},
	"ALGO/USD":  {Pair: "ALGOUSD", BaseAsset: "ALGO", LotDecimals: 8, OrderMin: 15},
	"TRX/USD":   {Pair: "TRXUSD", BaseAsset: "TRX", LotDecimals: 8, OrderMin: 25},
}

// balanceAliases maps Kraken ledger asset codes to display assets. Balances
// come back keyed by the legacy codes.
var balanceAliases = map[string]string{
	"XXBT": "BTC",
	"XETH": "ETH",
	"XXRP": "XRP",
	"XLTC": "LTC",
	"XXLM": "XLM",
	"XXMR": "XMR",
	"XXDG": "DOGE",
	"XETC": "ETC",
	"XZEC": "ZEC",
	"ZUSD": "USD",
	"ZEUR": "EUR",
}

// assetDecimals is the order-volume precision per display asset, derived from
// the lot decimals of its USD pair.
var assetDecimals = func() map[string]int {
	m := make(map[string]int, len(pairTable))
	for _, info := range pairTable {
		m[info.BaseAsset] = info.LotDecimals
	}
	return m
}()

// NormalizePair maps a display symbol to the Kraken pair name.
func (c *Client) NormalizePair(symbol string) (string, error) {
	info, ok := pairTable[symbol]
	if !ok {
		return "", exchange.NewError(exchange.FaultUnknownPair, "NormalizePair",
			fmt.Sprintf("unsupported symbol %q", symbol))
	}
	return info.Pair, nil
}

// AssetPrecision returns the number of decimals order volumes may carry for
// the given display asset.
func (c *Client) AssetPrecision(asset string) (int, error) {
	decimals, ok := assetDecimals[asset]
	if !ok {
		return 0, exchange.NewError(exchange.FaultUnknownPair, "AssetPrecision",
			fmt.Sprintf("unsupported asset %q", asset))
	}
	return decimals, nil
}

// MinOrderSize returns the minimum base volume accepted for an exchange pair.
func (c *Client) MinOrderSize(pair string) (float64, error) {
	for _, info := range pairTable {
		if info.Pair == pair {
			return info.OrderMin, nil
		}
	}
	return 0, exchange.NewError(exchange.FaultUnknownPair, "MinOrderSize",
		fmt.Sprintf("unsupported pair %q", pair))
}

// lookupPair resolves an exchange pair name back to its table entry.
func lookupPair(pair string) (pairInfo, bool) {
	for _, info := range pairTable {
		if info.Pair == pair {
			return info, true
		}
	}
	return pairInfo{}, false
}

// displayAsset maps a Kraken balance asset code to the display asset.
func displayAsset(code string) string {
	if alias, ok := balanceAliases[code]; ok {
		return alias
	}
	return code
}

// clampVolume truncates a base volume to the given number of decimals.
// Truncation, not rounding: rounding up past the available balance gets sells
// rejected.
func clampVolume(volume float64, decimals int) float64 {
	return exchange.ClampVolume(volume, decimals)
}

// formatVolume renders a clamped volume for the wire.
func formatVolume(volume float64, decimals int) string {
	return exchange.FormatVolume(volume, decimals)
}
