package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"dca-engine/internal/exchange"
	"dca-engine/pkg/types"
)

// Analyzer produces a market snapshot for one display symbol.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string) (*types.Snapshot, error)
}

const (
	ohlcInterval  = 15 * time.Minute
	fastPeriod    = 10
	slowPeriod    = 30
	rsiPeriod     = 14
	levelLookback = 48
)

// IndicatorAnalyzer derives trend and technical scores from recent candles:
// SMA crossover distance for trend, RSI for technicals, recent extremes for
// support and resistance.
type IndicatorAnalyzer struct {
	adapter exchange.Adapter
	clock   clock.Clock
}

// NewIndicatorAnalyzer builds an analyzer over the given adapter. A nil
// clock falls back to wall time.
func NewIndicatorAnalyzer(adapter exchange.Adapter, clk clock.Clock) *IndicatorAnalyzer {
	if clk == nil {
		clk = clock.New()
	}
	return &IndicatorAnalyzer{adapter: adapter, clock: clk}
}

var _ Analyzer = (*IndicatorAnalyzer)(nil)

// Analyze fetches the ticker and candles for the symbol and scores them.
func (a *IndicatorAnalyzer) Analyze(ctx context.Context, symbol string) (*types.Snapshot, error) {
	pair, err := a.adapter.NormalizePair(symbol)
	if err != nil {
		return nil, err
	}

	ticker, err := a.adapter.GetTicker(ctx, pair)
	if err != nil {
		return nil, err
	}

	candles, err := a.adapter.GetOHLC(ctx, pair, ohlcInterval)
	if err != nil {
		return nil, err
	}
	if len(candles) < slowPeriod+1 {
		return nil, fmt.Errorf("analyze %s: only %d candles, need %d", symbol, len(candles), slowPeriod+1)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	trendScore := trendScoreOf(closes)
	techScore := rsi(closes, rsiPeriod)
	support, resistance := levels(candles, levelLookback)

	return &types.Snapshot{
		Symbol:         symbol,
		Price:          ticker.Price,
		TrendScore:     trendScore,
		TechnicalScore: techScore,
		Recommendation: recommend(trendScore, techScore),
		Support:        support,
		Resistance:     resistance,
		UpdatedAt:      a.clock.Now().UTC(),
	}, nil
}

// trendScoreOf maps the fast/slow SMA spread onto 0..100 with 50 at the
// crossover; a 2% spread saturates the scale.
func trendScoreOf(closes []float64) float64 {
	fast := sma(closes, fastPeriod)
	slow := sma(closes, slowPeriod)
	if slow == 0 {
		return 50
	}
	spread := (fast - slow) / slow * 100
	score := 50 + spread*25
	return math.Max(0, math.Min(100, score))
}

func sma(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// rsi is Wilder's relative strength index over the trailing period.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	window := closes[len(closes)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// levels returns the lowest low and highest high over the lookback window.
func levels(candles []types.OHLCV, lookback int) (support, resistance float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	window := candles
	if len(window) > lookback {
		window = window[len(window)-lookback:]
	}
	support = window[0].Low
	resistance = window[0].High
	for _, c := range window[1:] {
		support = math.Min(support, c.Low)
		resistance = math.Max(resistance, c.High)
	}
	return support, resistance
}

func recommend(trendScore, techScore float64) types.Recommendation {
	combined := trendScore*0.6 + techScore*0.4
	switch {
	case combined >= 55:
		return types.RecommendationBullish
	case combined <= 45:
		return types.RecommendationBearish
	default:
		return types.RecommendationNeutral
	}
}
