// Package exchangetest provides a scriptable Adapter double for worker
// tests.
package exchangetest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"dca-engine/internal/exchange"
	"dca-engine/pkg/types"
)

// Mock implements exchange.Adapter with per-method hooks. Unset hooks fall
// back to a permissive default over a small static pair table, so tests only
// script what they assert on.
type Mock struct {
	mu     sync.Mutex
	placed []exchange.OrderRequest
	nextTx int

	NormalizePairFn func(symbol string) (string, error)
	GetTickerFn     func(ctx context.Context, pair string) (*types.Ticker, error)
	GetOHLCFn       func(ctx context.Context, pair string, interval time.Duration) ([]types.OHLCV, error)
	GetBalanceFn    func(ctx context.Context) (map[string]float64, error)
	PlaceOrderFn    func(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error)
	CancelOrderFn   func(ctx context.Context, txid string) error
	QueryOrderFn    func(ctx context.Context, txid string) (*exchange.OrderStatus, error)

	// Precision and MinSize back the default AssetPrecision and
	// MinOrderSize answers.
	Precision int
	MinSize   float64
}

var _ exchange.Adapter = (*Mock)(nil)

// New returns a mock with BTC-like defaults.
func New() *Mock {
	return &Mock{Precision: 8, MinSize: 0.0001}
}

// Placed returns a copy of every order that reached PlaceOrder.
func (m *Mock) Placed() []exchange.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.OrderRequest(nil), m.placed...)
}

func (m *Mock) NormalizePair(symbol string) (string, error) {
	if m.NormalizePairFn != nil {
		return m.NormalizePairFn(symbol)
	}
	switch symbol {
	case "BTC/USD":
		return "XXBTZUSD", nil
	case "ETH/USD":
		return "XETHZUSD", nil
	case "SOL/USD":
		return "SOLUSD", nil
	}
	return "", exchange.NewError(exchange.FaultUnknownPair, "test", fmt.Sprintf("unsupported symbol %s", symbol))
}

func (m *Mock) AssetPrecision(string) (int, error) {
	return m.Precision, nil
}

func (m *Mock) MinOrderSize(string) (float64, error) {
	return m.MinSize, nil
}

func (m *Mock) GetTicker(ctx context.Context, pair string) (*types.Ticker, error) {
	if m.GetTickerFn != nil {
		return m.GetTickerFn(ctx, pair)
	}
	return &types.Ticker{Pair: pair, Price: 50000, Bid: 49999, Ask: 50001, Timestamp: time.Now().UTC()}, nil
}

func (m *Mock) GetOHLC(ctx context.Context, pair string, interval time.Duration) ([]types.OHLCV, error) {
	if m.GetOHLCFn != nil {
		return m.GetOHLCFn(ctx, pair, interval)
	}
	return Candles(50000, 0, 64), nil
}

func (m *Mock) GetBalance(ctx context.Context) (map[string]float64, error) {
	if m.GetBalanceFn != nil {
		return m.GetBalanceFn(ctx)
	}
	return map[string]float64{"USD": 10000, "BTC": 1}, nil
}

func (m *Mock) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	m.mu.Lock()
	m.placed = append(m.placed, req)
	m.nextTx++
	tx := m.nextTx
	m.mu.Unlock()

	if m.PlaceOrderFn != nil {
		return m.PlaceOrderFn(ctx, req)
	}
	return &exchange.OrderAck{TxID: fmt.Sprintf("TX%d", tx), AcceptedAt: time.Now().UTC()}, nil
}

func (m *Mock) CancelOrder(ctx context.Context, txid string) error {
	if m.CancelOrderFn != nil {
		return m.CancelOrderFn(ctx, txid)
	}
	return nil
}

func (m *Mock) QueryOrder(ctx context.Context, txid string) (*exchange.OrderStatus, error) {
	if m.QueryOrderFn != nil {
		return m.QueryOrderFn(ctx, txid)
	}
	return &exchange.OrderStatus{State: exchange.OrderStateClosed, ExecutedVolume: 0.001, Cost: 50, Fee: 0.08}, nil
}

// Candles generates a synthetic close-to-close drifting series. drift is the
// per-candle price change; the last close equals base + drift*(n-1).
func Candles(base, drift float64, n int) []types.OHLCV {
	out := make([]types.OHLCV, n)
	ts := time.Now().UTC().Add(-time.Duration(n) * 15 * time.Minute)
	for i := range out {
		price := base + drift*float64(i)
		out[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    math.Abs(drift) + 1,
		}
	}
	return out
}
