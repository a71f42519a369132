package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca-engine/internal/exchange"
	"dca-engine/internal/exchange/exchangetest"
	"dca-engine/internal/ledger"
	"dca-engine/internal/logger"
	"dca-engine/internal/market"
	"dca-engine/internal/strategy"
	"dca-engine/pkg/types"
)

type fixture struct {
	scheduler *Scheduler
	store     *ledger.MemoryStore
	adapter   *exchangetest.Mock
	view      *market.View
	clock     *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	store := ledger.NewMemoryStore(mock)
	adapter := exchangetest.New()
	view := market.NewView(3 * time.Minute)
	log := logger.NewNop().Component("scheduler")

	s := New(store, adapter, strategy.NewEngine(), view, mock, log, Config{
		Period:      5 * time.Minute,
		Concurrency: 4,
		RunTimeout:  4 * time.Minute,
		FeeBuffer:   0.002,
	})
	return &fixture{scheduler: s, store: store, adapter: adapter, view: view, clock: mock}
}

func (f *fixture) addBot(t *testing.T, cfg ledger.BotConfig) *ledger.Bot {
	t.Helper()
	bot := &ledger.Bot{UserID: "user-1", Config: cfg}
	require.NoError(t, f.store.CreateBot(context.Background(), bot))
	return bot
}

func (f *fixture) putSnapshot(snap types.Snapshot) {
	snap.UpdatedAt = f.clock.Now()
	f.view.Put(snap)
}

func trendConfig() ledger.BotConfig {
	return ledger.BotConfig{
		Symbol:                "BTC/USD",
		InitialOrderAmount:    10,
		TradeMultiplier:       2,
		ReEntryCount:          8,
		StepPercent:           1,
		StepMultiplier:        2,
		TPTarget:              3,
		TrendAlignmentEnabled: true,
		ExitPercent:           1.0,
	}
}

func TestRunOnce_FirstEntryCreatesBuyIntent(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t, trendConfig())
	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 50000,
		TrendScore: 72, TechnicalScore: 68,
		Recommendation: types.RecommendationBullish,
	})

	summary, err := f.scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enters)

	orders, err := f.store.InFlightOrders(context.Background(), bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, exchange.SideBuy, orders[0].Side)
	assert.Equal(t, "XXBTZUSD", orders[0].NormalizedPair)
	assert.Equal(t, 0.0002, orders[0].Volume) // 10 / 50000
}

func TestRunOnce_NeutralTrendHolds(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t, trendConfig())
	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 50000,
		TrendScore: 49, TechnicalScore: 40,
		Recommendation: types.RecommendationNeutral,
	})

	summary, err := f.scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Enters)
	assert.Equal(t, 1, summary.ReasonCounts[strategy.ReasonTrendNotBullish])

	orders, err := f.store.InFlightOrders(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRunOnce_MissingSnapshotHolds(t *testing.T) {
	f := newFixture(t)
	f.addBot(t, trendConfig())

	summary, err := f.scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Enters)
	assert.Equal(t, 1, summary.ReasonCounts[strategy.ReasonNoMarketData])
}

// fillFirstBuy drives the bot's queued buy through submission and fill so
// the next run sees an open position.
func fillFirstBuy(t *testing.T, f *fixture, botID, txid string, volume, cost float64) {
	t.Helper()
	ctx := context.Background()
	order, err := f.store.ClaimNextDueOrder(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, botID, order.BotID)
	require.NoError(t, f.store.MarkOrderSubmitted(ctx, order.ID, txid, f.clock.Now()))
	require.NoError(t, f.store.RecordFill(ctx, order.ID, ledger.Fill{
		TxID: txid, ExecutedVolume: volume, Cost: cost, Timestamp: f.clock.Now(),
	}))
}

func TestRunOnce_ExitTransitionsBotAndQueuesSell(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t, trendConfig())
	ctx := context.Background()

	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 50000,
		TrendScore: 72, TechnicalScore: 68,
		Recommendation: types.RecommendationBullish,
	})
	_, err := f.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	fillFirstBuy(t, f, bot.ID, "TXB", 0.000604, 30)

	// Price above TP with the trend turning bearish.
	f.adapter.GetBalanceFn = func(context.Context) (map[string]float64, error) {
		return map[string]float64{"BTC": 0.000604, "USD": 100}, nil
	}
	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 51300,
		TrendScore: 30, TechnicalScore: 35,
		Recommendation: types.RecommendationBearish,
	})

	summary, err := f.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Exits)

	got, err := f.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BotStatusExiting, got.Status)

	orders, err := f.store.InFlightOrders(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, exchange.SideSell, orders[0].Side)
	// 0.000604 * 1.0 * (1 - 0.002) truncated to 8 decimals.
	assert.Equal(t, 0.00060279, orders[0].Volume)
}

func TestRunOnce_ExitBelowMinimumSkips(t *testing.T) {
	f := newFixture(t)
	f.addBot(t, func() ledger.BotConfig {
		cfg := trendConfig()
		cfg.TrendAlignmentEnabled = false
		return cfg
	}())
	ctx := context.Background()

	f.putSnapshot(types.Snapshot{Symbol: "BTC/USD", Price: 50000, Recommendation: types.RecommendationBullish, TrendScore: 60, TechnicalScore: 60})
	_, err := f.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	bots, err := f.store.ListBotsByStatus(ctx, ledger.BotStatusActive)
	require.NoError(t, err)
	fillFirstBuy(t, f, bots[0].ID, "TXB", 0.0002, 10)

	// Wallet nearly empty: the computed sell volume is under the minimum.
	f.adapter.GetBalanceFn = func(context.Context) (map[string]float64, error) {
		return map[string]float64{"BTC": 0.00005}, nil
	}
	f.putSnapshot(types.Snapshot{Symbol: "BTC/USD", Price: 51600, Recommendation: types.RecommendationBullish, TrendScore: 60, TechnicalScore: 60})

	summary, err := f.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Exits)
	assert.Equal(t, 1, summary.ReasonCounts["below minimum"])

	got, err := f.store.GetBot(ctx, bots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BotStatusActive, got.Status, "bot must not be stranded in exiting")
}

func TestRunOnce_PendingBuyBlocksSecondIntent(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t, trendConfig())
	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 50000,
		TrendScore: 72, TechnicalScore: 68,
		Recommendation: types.RecommendationBullish,
	})

	_, err := f.scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	summary, err := f.scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Enters)
	assert.Equal(t, 1, summary.ReasonCounts[strategy.ReasonOrderInFlight])

	orders, err := f.store.InFlightOrders(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestRunOnce_InFlightBuyDefersExit(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t, trendConfig())
	ctx := context.Background()

	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 50000,
		TrendScore: 72, TechnicalScore: 68,
		Recommendation: types.RecommendationBullish,
	})
	_, err := f.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	fillFirstBuy(t, f, bot.ID, "TXB", 0.0002, 10)

	// Price at the step level queues a second buy that stays unfilled.
	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 49400,
		TrendScore: 72, TechnicalScore: 68,
		Recommendation: types.RecommendationBullish,
	})
	_, err = f.scheduler.RunOnce(ctx)
	require.NoError(t, err)

	// Price jumps above TP with the trend turning bearish while the buy is
	// still live: the bot must be parked, not flipped to exiting.
	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 51600,
		TrendScore: 30, TechnicalScore: 35,
		Recommendation: types.RecommendationBearish,
	})
	summary, err := f.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Exits)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.ReasonCounts[strategy.ReasonOrderInFlight])

	got, err := f.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BotStatusActive, got.Status)

	orders, err := f.store.InFlightOrders(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, exchange.SideBuy, orders[0].Side)
}

func TestRunOnce_TracksPostTPHigh(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t, trendConfig())
	ctx := context.Background()

	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 50000,
		TrendScore: 72, TechnicalScore: 68,
		Recommendation: types.RecommendationBullish,
	})
	_, err := f.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	fillFirstBuy(t, f, bot.ID, "TXB", 0.0002, 10)

	// tpPrice = 50000 * 1.03 = 51500; price above it while still bullish.
	f.putSnapshot(types.Snapshot{
		Symbol: "BTC/USD", Price: 52000,
		TrendScore: 72, TechnicalScore: 68,
		Recommendation: types.RecommendationBullish,
	})
	_, err = f.scheduler.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 52000.0, got.MaxPriceSinceTP)
}

func TestRunOnce_WritesRunSummary(t *testing.T) {
	f := newFixture(t)
	f.addBot(t, trendConfig())

	_, err := f.scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	runs := f.store.RunSummaries()
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].TotalBots)
	assert.Equal(t, 1, runs[0].Processed)
	require.Len(t, runs[0].Details, 1)
	assert.Equal(t, "BTC/USD", runs[0].Details[0].Symbol)
}
