package kraken

import (
	"context"
	"net/url"
	"strconv"

	"dca-engine/internal/exchange"
)

// GetBalance returns free balances per display asset. The REST Balance
// endpoint is merged with the websocket cache: if REST reports zero for an
// asset the cache has seen, the cached amount is used. REST lags settlement
// briefly after a fill, and an exit sized from a zero balance would be
// rejected or skipped.
func (c *Client) GetBalance(ctx context.Context) (map[string]float64, error) {
	var raw map[string]string
	if err := c.private(ctx, "Balance", "account_data", url.Values{}, &raw); err != nil {
		return nil, err
	}

	merged := make(map[string]float64, len(raw))
	for code, amount := range raw {
		qty, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			return nil, exchange.WrapError(exchange.FaultTransient, "private/Balance", err)
		}
		merged[displayAsset(code)] = qty
	}

	for asset, cached := range c.balances.Get() {
		if merged[asset] == 0 && cached > 0 {
			merged[asset] = cached
		}
	}

	return merged, nil
}
