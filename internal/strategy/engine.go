package strategy

import (
	"math"
	"time"

	"dca-engine/internal/ledger"
	"dca-engine/pkg/types"
)

// Hold reasons shared with the scheduler's run summary counters.
const (
	ReasonNoMarketData      = "no market data"
	ReasonNotActive         = "bot not active"
	ReasonOrderInFlight     = "order in flight"
	ReasonMaxEntries        = "max entries reached"
	ReasonTrendNotBullish   = "trend not bullish"
	ReasonAwaitingSupport   = "awaiting support cross"
	ReasonAwaitingStepPrice = "awaiting step price"
	ReasonReEntryDelay      = "re-entry delay"
	ReasonBelowTakeProfit   = "below take profit"
	ReasonHoldingAboveTP    = "holding above take profit"
)

// Exit reasons.
const (
	ReasonTakeProfit  = "take profit reached"
	ReasonTrendTurned = "trend turned at take profit"
	ReasonTPRetrace   = "retraced to minimum take profit"
)

// Engine evaluates one bot against one market snapshot. It holds only
// tunables, never state, so evaluations are deterministic and safe to run
// concurrently.
type Engine struct {
	// StaleThreshold is how old a snapshot may be before it counts as
	// missing.
	StaleThreshold time.Duration
	// RetraceEpsilon is the band above the take-profit price, in percent,
	// inside which a retrace from the post-TP high triggers an exit.
	RetraceEpsilon float64
}

// NewEngine returns an engine with the default tunables.
func NewEngine() *Engine {
	return &Engine{
		StaleThreshold: 3 * time.Minute,
		RetraceEpsilon: 0.25,
	}
}

// Input is everything one evaluation reads.
type Input struct {
	Bot      *ledger.Bot
	Snapshot *types.Snapshot
	// HasPendingBuy reports an in-flight buy order for this bot.
	HasPendingBuy bool
	Now           time.Time
}

// Evaluate is a pure function over the input. Exit wins when both sides
// would fire.
func (e *Engine) Evaluate(in Input) Decision {
	bot := in.Bot
	snap := in.Snapshot

	if snap == nil || in.Now.Sub(snap.UpdatedAt) > e.StaleThreshold {
		return Hold(ReasonNoMarketData)
	}

	if d, ok := e.evaluateExit(bot, snap); ok {
		return d
	}
	return e.evaluateEntry(bot, snap, in)
}

// TPPrice returns the cycle's take-profit price, zero while the bot holds
// nothing.
func TPPrice(bot *ledger.Bot) float64 {
	if bot.AverageEntryPrice <= 0 {
		return 0
	}
	return bot.AverageEntryPrice * (1 + bot.Config.TPTarget/100)
}

func (e *Engine) evaluateExit(bot *ledger.Bot, snap *types.Snapshot) (Decision, bool) {
	if bot.CurrentEntryCount < 1 || bot.TotalVolume <= 0 || bot.AverageEntryPrice <= 0 {
		return Decision{}, false
	}

	tpPrice := TPPrice(bot)
	if snap.Price < tpPrice {
		return Decision{}, false
	}

	if !bot.Config.TrendAlignmentEnabled {
		return Exit(bot.Config.ExitPercent, ReasonTakeProfit), true
	}
	if snap.Recommendation != types.RecommendationBullish {
		return Exit(bot.Config.ExitPercent, ReasonTrendTurned), true
	}

	// Trend still bullish: ride the move, but sell once price falls back
	// to within epsilon of the take-profit level after a higher high.
	minTP := tpPrice * (1 + e.RetraceEpsilon/100)
	if bot.MaxPriceSinceTP > minTP && snap.Price <= minTP {
		return Exit(bot.Config.ExitPercent, ReasonTPRetrace), true
	}
	return Hold(ReasonHoldingAboveTP), true
}

func (e *Engine) evaluateEntry(bot *ledger.Bot, snap *types.Snapshot, in Input) Decision {
	cfg := bot.Config

	if bot.Status != ledger.BotStatusActive {
		return Hold(ReasonNotActive)
	}
	if bot.CurrentEntryCount >= cfg.ReEntryCount {
		return Hold(ReasonMaxEntries)
	}
	if in.HasPendingBuy {
		return Hold(ReasonOrderInFlight)
	}

	if cfg.TrendAlignmentEnabled {
		aligned := snap.Recommendation == types.RecommendationBullish &&
			snap.TrendScore >= 50 && snap.TechnicalScore >= 50
		if !aligned {
			return Hold(ReasonTrendNotBullish)
		}
	}
	if cfg.SupportResistanceEnabled {
		if !snap.HasLevels() || snap.Price > snap.Support {
			return Hold(ReasonAwaitingSupport)
		}
	}

	if bot.CurrentEntryCount >= 1 {
		nextStepPct := cfg.StepPercent * math.Pow(cfg.StepMultiplier, float64(bot.CurrentEntryCount-1))
		requiredPrice := bot.LastEntryPrice * (1 - nextStepPct/100)
		if snap.Price > requiredPrice {
			return Hold(ReasonAwaitingStepPrice)
		}
		if cfg.ReEntryDelayMinutes > 0 {
			delay := time.Duration(cfg.ReEntryDelayMinutes) * time.Minute
			if bot.LastEntryTime == nil || in.Now.Sub(*bot.LastEntryTime) < delay {
				return Hold(ReasonReEntryDelay)
			}
		}
	}

	amount := cfg.InitialOrderAmount * math.Pow(cfg.TradeMultiplier, float64(bot.CurrentEntryCount))
	return Enter(amount, entryReason(bot.CurrentEntryCount))
}

func entryReason(entryCount int) string {
	if entryCount == 0 {
		return "initial entry"
	}
	return "step price reached"
}
