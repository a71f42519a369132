package kraken

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"dca-engine/internal/exchange"
	"dca-engine/pkg/types"
)

// tickerEntry is the per-pair payload of the public Ticker endpoint. Kraken
// returns price fields as string arrays: c = last trade [price, lot volume],
// b = best bid [price, whole lot volume, lot volume], a = best ask likewise.
type tickerEntry struct {
	Ask  []string `json:"a"`
	Bid  []string `json:"b"`
	Last []string `json:"c"`
}

// GetTicker fetches the current quote for an exchange pair.
func (c *Client) GetTicker(ctx context.Context, pair string) (*types.Ticker, error) {
	params := url.Values{}
	params.Set("pair", pair)

	var result map[string]tickerEntry
	if err := c.public(ctx, "Ticker", params, &result); err != nil {
		return nil, err
	}

	entry, ok := result[pair]
	if !ok {
		// Kraken occasionally keys the result by an alternate pair name;
		// with a single requested pair the sole entry is ours.
		for _, v := range result {
			entry = v
			ok = true
			break
		}
	}
	if !ok {
		return nil, exchange.NewError(exchange.FaultTransient, "public/Ticker",
			fmt.Sprintf("empty ticker result for %s", pair))
	}

	price, err := firstFloat(entry.Last)
	if err != nil {
		return nil, exchange.WrapError(exchange.FaultTransient, "public/Ticker", err)
	}
	bid, _ := firstFloat(entry.Bid)
	ask, _ := firstFloat(entry.Ask)

	return &types.Ticker{
		Pair:      pair,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetOHLC fetches candles for a pair at the given interval. Kraken accepts
// interval in minutes; the last candle is the current uncommitted frame.
func (c *Client) GetOHLC(ctx context.Context, pair string, interval time.Duration) ([]types.OHLCV, error) {
	minutes := int(interval.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	params := url.Values{}
	params.Set("pair", pair)
	params.Set("interval", strconv.Itoa(minutes))

	// Result maps pair name to an array of candle tuples plus a "last" cursor.
	var result map[string]interface{}
	if err := c.public(ctx, "OHLC", params, &result); err != nil {
		return nil, err
	}

	var rows []interface{}
	for key, value := range result {
		if key == "last" {
			continue
		}
		if arr, ok := value.([]interface{}); ok {
			rows = arr
			break
		}
	}

	candles := make([]types.OHLCV, 0, len(rows))
	for _, row := range rows {
		tuple, ok := row.([]interface{})
		if !ok || len(tuple) < 7 {
			continue
		}
		candle, err := parseCandle(tuple)
		if err != nil {
			return nil, exchange.WrapError(exchange.FaultTransient, "public/OHLC", err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseCandle converts one OHLC tuple: [time, open, high, low, close, vwap, volume, count].
func parseCandle(tuple []interface{}) (types.OHLCV, error) {
	ts, ok := tuple[0].(float64)
	if !ok {
		return types.OHLCV{}, fmt.Errorf("candle timestamp is not numeric")
	}

	fields := make([]float64, 0, 5)
	for _, idx := range []int{1, 2, 3, 4, 6} { // open, high, low, close, volume
		s, ok := tuple[idx].(string)
		if !ok {
			return types.OHLCV{}, fmt.Errorf("candle field %d is not a string", idx)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.OHLCV{}, fmt.Errorf("candle field %d: %w", idx, err)
		}
		fields = append(fields, f)
	}

	return types.OHLCV{
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// firstFloat parses the first element of a Kraken string array field.
func firstFloat(arr []string) (float64, error) {
	if len(arr) == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return strconv.ParseFloat(arr[0], 64)
}
