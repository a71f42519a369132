package exchange

import "github.com/shopspring/decimal"

// ClampVolume truncates a base volume to the asset's decimals. Truncation,
// never rounding: rounding up can exceed the available balance.
func ClampVolume(volume float64, decimals int) float64 {
	v, _ := decimal.NewFromFloat(volume).Truncate(int32(decimals)).Float64()
	return v
}

// FormatVolume renders a clamped volume without a trailing exponent or
// spurious zeroes.
func FormatVolume(volume float64, decimals int) string {
	return decimal.NewFromFloat(volume).Truncate(int32(decimals)).String()
}
