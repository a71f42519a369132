package types

import "time"

// OHLCV is a single candle as returned by the exchange OHLC endpoint.
type OHLCV struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// Ticker is a point-in-time quote for a trading pair.
type Ticker struct {
	Pair      string
	Price     float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Recommendation is the aggregate market stance produced by the analysis provider.
type Recommendation string

const (
	RecommendationBullish Recommendation = "bullish"
	RecommendationBearish Recommendation = "bearish"
	RecommendationNeutral Recommendation = "neutral"
)

// Snapshot is the last-known market state for a display symbol. Support and
// Resistance are zero when the provider could not compute levels.
type Snapshot struct {
	Symbol         string
	Price          float64
	TrendScore     float64
	TechnicalScore float64
	Recommendation Recommendation
	Support        float64
	Resistance     float64
	UpdatedAt      time.Time
}

// HasLevels reports whether support/resistance levels are present.
func (s Snapshot) HasLevels() bool {
	return s.Support > 0 && s.Resistance > 0
}
