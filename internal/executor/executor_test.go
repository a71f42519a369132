package executor

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
	"dca-engine/internal/secrets"
)

type staticSecrets struct{}

func (staticSecrets) Get(context.Context, string) (secrets.Credentials, error) {
	return secrets.Credentials{APIKey: "k", APISecret: "s"}, nil
}

type fixture struct {
	executor *Executor
	store    *ledger.MemoryStore
	adapter  *exchangetest.Mock
	clock    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	store := ledger.NewMemoryStore(mock)
	adapter := exchangetest.New()

	e := New(store, staticSecrets{}, func(secrets.Credentials) exchange.Adapter { return adapter },
		mock, logger.NewNop().Component("executor"), Config{
			Period:         time.Minute,
			MaxPerTick:     20,
			StuckTimeout:   10 * time.Minute,
			MaxAttempts:    8,
			BackoffBase:    10 * time.Second,
			BackoffFactor:  2,
			BackoffCap:     10 * time.Minute,
			VerifyAttempts: 1, // single poll keeps the mock clock simple
			VerifyInterval: 2 * time.Second,
		})
	return &fixture{executor: e, store: store, adapter: adapter, clock: mock}
}

func (f *fixture) addBot(t *testing.T) *ledger.Bot {
	t.Helper()
	bot := &ledger.Bot{
		UserID: "user-1",
		Config: ledger.BotConfig{
			Symbol:             "BTC/USD",
			InitialOrderAmount: 10,
			TradeMultiplier:    2,
			ReEntryCount:       8,
			StepPercent:        1,
			StepMultiplier:     2,
			TPTarget:           3,
			ExitPercent:        1.0,
		},
	}
	require.NoError(t, f.store.CreateBot(context.Background(), bot))
	return bot
}

func (f *fixture) queueBuy(t *testing.T, bot *ledger.Bot, volume float64) *ledger.PendingOrder {
	t.Helper()
	order := &ledger.PendingOrder{
		BotID:          bot.ID,
		UserID:         bot.UserID,
		Symbol:         bot.Config.Symbol,
		NormalizedPair: "XXBTZUSD",
		Side:           exchange.SideBuy,
		Type:           exchange.OrderTypeMarket,
		Volume:         volume,
		MaxAttempts:    8,
	}
	require.NoError(t, f.store.AppendPendingOrder(context.Background(), order, false))
	return order
}

func (f *fixture) queueSell(t *testing.T, bot *ledger.Bot, volume float64) *ledger.PendingOrder {
	t.Helper()
	order := &ledger.PendingOrder{
		BotID:          bot.ID,
		UserID:         bot.UserID,
		Symbol:         bot.Config.Symbol,
		NormalizedPair: "XXBTZUSD",
		Side:           exchange.SideSell,
		Type:           exchange.OrderTypeMarket,
		Volume:         volume,
		MaxAttempts:    8,
	}
	require.NoError(t, f.store.AppendPendingOrder(context.Background(), order, true))
	return order
}

func TestTick_BuySubmittedAndFilled(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	order := f.queueBuy(t, bot, 0.0002)
	ctx := context.Background()

	f.adapter.QueryOrderFn = func(context.Context, string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{State: exchange.OrderStateClosed, ExecutedVolume: 0.0002, Cost: 10, Fee: 0.016}, nil
	}

	f.executor.Tick(ctx)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusCompleted, got.Status)
	assert.NotEmpty(t, got.TxID)

	botAfter, err := f.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, botAfter.CurrentEntryCount)
	assert.Equal(t, 10.0, botAfter.TotalInvested)

	require.Len(t, f.adapter.Placed(), 1)
	assert.Equal(t, exchange.SideBuy, f.adapter.Placed()[0].Side)
}

func TestTick_SellFillClosesCycle(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	// Open a position first.
	f.queueBuy(t, bot, 0.0002)
	f.adapter.QueryOrderFn = func(context.Context, string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{State: exchange.OrderStateClosed, ExecutedVolume: 0.0002, Cost: 10, Fee: 0.016}, nil
	}
	f.executor.Tick(ctx)

	f.queueSell(t, bot, 0.0002)
	f.adapter.QueryOrderFn = func(context.Context, string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{State: exchange.OrderStateClosed, ExecutedVolume: 0.0002, Cost: 10.4, Fee: 0.02}, nil
	}
	f.executor.Tick(ctx)

	botAfter, err := f.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BotStatusActive, botAfter.Status)
	assert.Equal(t, 2, botAfter.CycleNumber)
	require.Len(t, botAfter.PreviousCycles, 1)
	assert.InDelta(t, 0.4, botAfter.PreviousCycles[0].RealizedPnL, 1e-9)
}

func TestProcess_SellRejectedForPrecisionRevertsBot(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	order := f.queueSell(t, bot, 0.0002)
	f.adapter.PlaceOrderFn = func(context.Context, exchange.OrderRequest) (*exchange.OrderAck, error) {
		return nil, exchange.NewError(exchange.FaultInvalidPrecision, "AddOrder", "EOrder:Invalid amount")
	}

	f.executor.Tick(ctx)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusFailed, got.Status)
	assert.NotEmpty(t, got.Errors)

	botAfter, err := f.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BotStatusActive, botAfter.Status)
	assert.NotEmpty(t, botAfter.LastFailedExitReason)
	require.NotNil(t, botAfter.LastFailedExitTime)
}

func TestProcess_RateLimitedBuyBacksOff(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	order := f.queueBuy(t, bot, 0.0002)
	f.adapter.PlaceOrderFn = func(context.Context, exchange.OrderRequest) (*exchange.OrderAck, error) {
		return nil, exchange.NewError(exchange.FaultRateLimited, "AddOrder", "EAPI:Rate limit exceeded").
			WithRetryAfter(4 * time.Second)
	}

	f.executor.Tick(ctx)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusRetry, got.Status)
	assert.Equal(t, 1, got.Attempts)
	// Backoff floor is the suggested delay minus jitter.
	minNext := f.clock.Now().Add(time.Duration(float64(10*time.Second) * 0.8))
	assert.False(t, got.NextRetryAt.Before(minNext), "nextRetryAt %v before %v", got.NextRetryAt, minNext)
}

func TestProcess_RepeatedRateLimitsEndInFailure(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	order := f.queueBuy(t, bot, 0.0002)
	f.adapter.PlaceOrderFn = func(context.Context, exchange.OrderRequest) (*exchange.OrderAck, error) {
		return nil, exchange.NewError(exchange.FaultRateLimited, "AddOrder", "EAPI:Rate limit exceeded")
	}

	for i := 0; i < 8; i++ {
		f.executor.Tick(ctx)
		f.clock.Add(25 * time.Minute) // past any capped backoff
	}

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusFailed, got.Status)
	assert.Equal(t, 7, got.Attempts)
}

func TestProcess_InsufficientBalancePreflightFailsSell(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	order := f.queueSell(t, bot, 0.5)
	f.adapter.GetBalanceFn = func(context.Context) (map[string]float64, error) {
		return map[string]float64{"BTC": 0.0001}, nil
	}

	f.executor.Tick(ctx)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusFailed, got.Status)
	assert.Empty(t, f.adapter.Placed(), "order must not reach the exchange")

	botAfter, err := f.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BotStatusActive, botAfter.Status)
}

func TestVerify_CanceledRetriesOnceThenFails(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	order := f.queueBuy(t, bot, 0.0002)
	f.adapter.QueryOrderFn = func(context.Context, string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{State: exchange.OrderStateCanceled}, nil
	}

	f.executor.Tick(ctx)
	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusRetry, got.Status)
	assert.Equal(t, 1, got.VerifyRetries)

	// Second canceled verification is terminal.
	f.clock.Add(25 * time.Minute)
	f.executor.Tick(ctx)
	got, err = f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusFailed, got.Status)
}

func TestVerify_StillOpenRequeuedNextTick(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	order := f.queueBuy(t, bot, 0.0002)
	f.adapter.QueryOrderFn = func(context.Context, string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{State: exchange.OrderStateOpen}, nil
	}

	f.executor.Tick(ctx)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusRetry, got.Status)
	assert.NotEmpty(t, got.TxID, "txid must survive the requeue")
	assert.True(t, got.NextRetryAt.Equal(f.clock.Now().Add(time.Minute)),
		"due again one executor period later, got %v", got.NextRetryAt)

	// The order fills at the exchange before the next tick.
	f.adapter.QueryOrderFn = func(context.Context, string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{State: exchange.OrderStateClosed, ExecutedVolume: 0.0002, Cost: 10, Fee: 0.016}, nil
	}
	f.clock.Add(time.Minute)
	f.executor.Tick(ctx)

	got, err = f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusCompleted, got.Status)
	require.Len(t, f.adapter.Placed(), 1, "a live order must not be resubmitted")
}

func TestTick_WatchdogReleasesStuckOrder(t *testing.T) {
	f := newFixture(t)
	bot := f.addBot(t)
	ctx := context.Background()

	order := f.queueBuy(t, bot, 0.0002)
	claimed, err := f.store.ClaimNextDueOrder(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, order.ID, claimed.ID)

	// Simulate a crashed worker: nothing touches the order past the timeout.
	f.clock.Add(11 * time.Minute)
	f.adapter.QueryOrderFn = func(context.Context, string) (*exchange.OrderStatus, error) {
		return &exchange.OrderStatus{State: exchange.OrderStateClosed, ExecutedVolume: 0.0002, Cost: 10, Fee: 0.016}, nil
	}
	f.executor.Tick(ctx)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusCompleted, got.Status, "reaped order is reclaimed and completed in the same tick")
}

func TestBackoff_DelayGrowsAndRespectsFloor(t *testing.T) {
	b := newRetryBackoff(10*time.Second, 10*time.Minute, 2)
	b.rand = func() float64 { return 0.5 } // zero jitter

	assert.Equal(t, 10*time.Second, b.Delay(1, 0))
	assert.Equal(t, 20*time.Second, b.Delay(2, 0))
	assert.Equal(t, 40*time.Second, b.Delay(3, 0))
	assert.Equal(t, 10*time.Minute, b.Delay(12, 0))

	// A suggested retry-after above the computed delay wins.
	assert.Equal(t, 30*time.Second, b.Delay(1, 30*time.Second))
}

func TestBackoff_JitterStaysInBand(t *testing.T) {
	b := newRetryBackoff(10*time.Second, 10*time.Minute, 2)
	for i := 0; i < 200; i++ {
		d := b.Delay(1, 0)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}
