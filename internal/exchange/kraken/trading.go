package kraken

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"dca-engine/internal/exchange"
)

// addOrderResult is the AddOrder response payload.
type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxIDs []string `json:"txid"`
}

// queryOrderEntry is one order in the QueryOrders response.
type queryOrderEntry struct {
	Status  string `json:"status"` // pending, open, closed, canceled, expired
	VolExec string `json:"vol_exec"`
	Cost    string `json:"cost"`
	Fee     string `json:"fee"`
}

// PlaceOrder submits an order. Buys carry the fee-in-base flag (fcib), sells
// fee-in-quote (fciq). Sell volume is reduced by the fee buffer and truncated
// to the asset's lot precision before submission so exchange fees cannot push
// the order past the available balance.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	const op = "private/AddOrder"

	info, ok := lookupPair(req.Pair)
	if !ok {
		return nil, exchange.NewError(exchange.FaultUnknownPair, op,
			fmt.Sprintf("unsupported pair %q", req.Pair))
	}
	if req.Volume <= 0 {
		return nil, exchange.NewError(exchange.FaultInvalidPrecision, op, "volume must be positive")
	}

	volume := req.Volume
	flags := "fcib"
	if req.Side == exchange.SideSell {
		volume = clampVolume(volume*(1-c.feeBuffer), info.LotDecimals)
		flags = "fciq"
	} else {
		volume = clampVolume(volume, info.LotDecimals)
	}
	if volume < info.OrderMin {
		return nil, exchange.NewError(exchange.FaultMinOrderSize, op,
			fmt.Sprintf("volume %.10f below pair minimum %.10f", volume, info.OrderMin))
	}

	params := url.Values{}
	params.Set("pair", req.Pair)
	params.Set("type", string(req.Side))
	params.Set("ordertype", string(req.Type))
	params.Set("volume", formatVolume(volume, info.LotDecimals))
	params.Set("oflags", flags)
	if req.Type == exchange.OrderTypeLimit {
		if req.Price <= 0 {
			return nil, exchange.NewError(exchange.FaultInvalidPrecision, op, "limit order requires a price")
		}
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	var result addOrderResult
	if err := c.private(ctx, "AddOrder", "trading", params, &result); err != nil {
		return nil, err
	}
	if len(result.TxIDs) == 0 {
		return nil, exchange.NewError(exchange.FaultOther, op, "order accepted without txid")
	}

	return &exchange.OrderAck{
		TxID:       result.TxIDs[0],
		AcceptedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels an open order by txid.
func (c *Client) CancelOrder(ctx context.Context, txid string) error {
	params := url.Values{}
	params.Set("txid", txid)
	return c.private(ctx, "CancelOrder", "trading", params, nil)
}

// QueryOrder fetches the current state of a submitted order.
func (c *Client) QueryOrder(ctx context.Context, txid string) (*exchange.OrderStatus, error) {
	const op = "private/QueryOrders"

	params := url.Values{}
	params.Set("txid", txid)

	var result map[string]queryOrderEntry
	if err := c.private(ctx, "QueryOrders", "account_data", params, &result); err != nil {
		return nil, err
	}

	entry, ok := result[txid]
	if !ok {
		return nil, exchange.NewError(exchange.FaultOther, op,
			fmt.Sprintf("order %s not found", txid))
	}

	state, err := parseOrderState(entry.Status)
	if err != nil {
		return nil, exchange.WrapError(exchange.FaultTransient, op, err)
	}

	executed, err := strconv.ParseFloat(entry.VolExec, 64)
	if err != nil {
		return nil, exchange.WrapError(exchange.FaultTransient, op, err)
	}
	cost, _ := strconv.ParseFloat(entry.Cost, 64)
	fee, _ := strconv.ParseFloat(entry.Fee, 64)

	return &exchange.OrderStatus{
		State:          state,
		ExecutedVolume: executed,
		Cost:           cost,
		Fee:            fee,
	}, nil
}

// parseOrderState maps Kraken order status strings onto the adapter states.
// "pending" (accepted, not yet in the book) reports as open.
func parseOrderState(status string) (exchange.OrderState, error) {
	switch status {
	case "pending", "open":
		return exchange.OrderStateOpen, nil
	case "closed":
		return exchange.OrderStateClosed, nil
	case "canceled":
		return exchange.OrderStateCanceled, nil
	case "expired":
		return exchange.OrderStateExpired, nil
	default:
		return "", fmt.Errorf("unknown order status %q", status)
	}
}
