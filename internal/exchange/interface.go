package exchange

import (
	"context"
	"time"

	"dca-engine/pkg/types"
)

// Side represents the side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState is the terminal-or-not state reported by QueryOrder.
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStateClosed   OrderState = "closed"
	OrderStateCanceled OrderState = "canceled"
	OrderStateExpired  OrderState = "expired"
)

// Terminal reports whether the state will not change anymore.
func (s OrderState) Terminal() bool {
	return s == OrderStateClosed || s == OrderStateCanceled || s == OrderStateExpired
}

// OrderRequest holds everything needed to submit an order. Pair must already
// be in exchange notation (see NormalizePair); Volume is in base units.
type OrderRequest struct {
	Pair   string
	Side   Side
	Type   OrderType
	Volume float64
	Price  float64 // limit orders only
}

// OrderAck is the exchange's acceptance of an order.
type OrderAck struct {
	TxID       string
	AcceptedAt time.Time
}

// OrderStatus is the result of querying a submitted order.
type OrderStatus struct {
	State          OrderState
	ExecutedVolume float64
	Cost           float64 // quote currency spent/received
	Fee            float64
}

// Adapter is the only component allowed to talk to the exchange. All methods
// taking a context honour its deadline; implementations add their own hard
// request timeout on top.
type Adapter interface {
	// NormalizePair maps a display symbol ("BTC/USD") to the exchange pair
	// ("XXBTZUSD"). Unknown symbols fail with an UnknownPair fault.
	NormalizePair(symbol string) (string, error)

	// AssetPrecision returns the number of decimals orders in the asset may carry.
	AssetPrecision(asset string) (int, error)

	// MinOrderSize returns the minimum base volume the exchange accepts for a pair.
	MinOrderSize(pair string) (float64, error)

	GetTicker(ctx context.Context, pair string) (*types.Ticker, error)
	GetOHLC(ctx context.Context, pair string, interval time.Duration) ([]types.OHLCV, error)

	// GetBalance returns free balances per asset. Implementations merge the
	// REST response with a websocket-cached view: a zero REST balance for an
	// asset present in the cache yields the cached amount.
	GetBalance(ctx context.Context) (map[string]float64, error)

	// PlaceOrder submits an order. Sells have their volume reduced by the fee
	// buffer and clamped to the asset precision before submission; buys carry
	// the fee-in-base flag, sells fee-in-quote.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	CancelOrder(ctx context.Context, txid string) error
	QueryOrder(ctx context.Context, txid string) (*OrderStatus, error)
}

// BaseAsset extracts the base asset from a display symbol like "BTC/USD".
func BaseAsset(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i]
		}
	}
	return symbol
}
