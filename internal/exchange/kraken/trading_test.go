package kraken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca-engine/internal/exchange"
)

// newTestClient points a client at a stub API server.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{
		APIKey:    "test-key",
		APISecret: "a2V5LW1hdGVyaWFs", // any valid base64
		BaseURL:   server.URL,
	})
}

func krakenOK(t *testing.T, w http.ResponseWriter, result interface{}) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  []string{},
		"result": json.RawMessage(raw),
	})
}

func krakenErr(w http.ResponseWriter, message string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": []string{message},
	})
}

func TestPlaceOrder_SellAppliesFeeBufferAndFlags(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/AddOrder", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		assert.NotEmpty(t, r.Header.Get("API-Key"))
		assert.NotEmpty(t, r.Header.Get("API-Sign"))
		krakenOK(t, w, addOrderResult{TxIDs: []string{"OU22CG-KLAF2-FWUDD7"}})
	})

	ack, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XXBTZUSD",
		Side:   exchange.SideSell,
		Type:   exchange.OrderTypeMarket,
		Volume: 0.001,
	})
	require.NoError(t, err)
	assert.Equal(t, "OU22CG-KLAF2-FWUDD7", ack.TxID)

	assert.Equal(t, "sell", got.Get("type"))
	assert.Equal(t, "market", got.Get("ordertype"))
	assert.Equal(t, "fciq", got.Get("oflags"))
	// 0.001 * (1 - 0.002) = 0.000998
	assert.Equal(t, "0.000998", got.Get("volume"))
	assert.NotEmpty(t, got.Get("nonce"))
}

func TestPlaceOrder_BuyKeepsVolumeAndUsesBaseFee(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		krakenOK(t, w, addOrderResult{TxIDs: []string{"TXBUY"}})
	})

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XXBTZUSD",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		Volume: 0.0002,
	})
	require.NoError(t, err)

	assert.Equal(t, "buy", got.Get("type"))
	assert.Equal(t, "fcib", got.Get("oflags"))
	assert.Equal(t, "0.0002", got.Get("volume"))
}

func TestPlaceOrder_BelowMinimumFailsBeforeSubmission(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XXBTZUSD",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		Volume: 0.00001,
	})
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.FaultMinOrderSize))
	assert.False(t, called, "order must not reach the exchange")
}

func TestPlaceOrder_InsufficientFundsFault(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		krakenErr(w, "EOrder:Insufficient funds")
	})

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XXBTZUSD",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		Volume: 0.001,
	})
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.FaultInsufficientBalance))
	assert.False(t, exchange.IsRetryable(err))
}

func TestPlaceOrder_RateLimitedIsRetryableWithDelay(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		krakenErr(w, "EAPI:Rate limit exceeded")
	})

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XXBTZUSD",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		Volume: 0.001,
	})
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.FaultRateLimited))
	assert.True(t, exchange.IsRetryable(err))
	assert.Greater(t, exchange.RetryAfterOf(err).Seconds(), 0.0)
}

func TestQueryOrder_ClosedFill(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/QueryOrders", r.URL.Path)
		krakenOK(t, w, map[string]queryOrderEntry{
			"TX1": {Status: "closed", VolExec: "0.0002", Cost: "10.00", Fee: "0.016"},
		})
	})

	status, err := c.QueryOrder(context.Background(), "TX1")
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStateClosed, status.State)
	assert.Equal(t, 0.0002, status.ExecutedVolume)
	assert.Equal(t, 10.00, status.Cost)
	assert.Equal(t, 0.016, status.Fee)
}

func TestQueryOrder_PendingReportsOpen(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		krakenOK(t, w, map[string]queryOrderEntry{
			"TX2": {Status: "pending", VolExec: "0", Cost: "0", Fee: "0"},
		})
	})

	status, err := c.QueryOrder(context.Background(), "TX2")
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStateOpen, status.State)
	assert.False(t, status.State.Terminal())
}

func TestGetBalance_MergesWebsocketCache(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/Balance", r.URL.Path)
		krakenOK(t, w, map[string]string{
			"ZUSD": "1500.0000",
			"XXBT": "0.0000", // REST lagging behind a fresh fill
		})
	})
	c.balances.set("XXBT", 0.0006)

	balances, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1500.0, balances["USD"])
	assert.Equal(t, 0.0006, balances["BTC"], "cached amount wins over zero REST balance")
}

func TestGetBalance_RESTWinsWhenNonZero(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		krakenOK(t, w, map[string]string{"XXBT": "0.0010"})
	})
	c.balances.set("XXBT", 0.5)

	balances, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.001, balances["BTC"])
}

func TestGetTicker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/Ticker", r.URL.Path)
		krakenOK(t, w, map[string]tickerEntry{
			"XXBTZUSD": {
				Last: []string{"50000.1", "0.001"},
				Bid:  []string{"49999.9", "1", "1.0"},
				Ask:  []string{"50000.5", "1", "1.0"},
			},
		})
	})

	ticker, err := c.GetTicker(context.Background(), "XXBTZUSD")
	require.NoError(t, err)
	assert.Equal(t, 50000.1, ticker.Price)
	assert.Equal(t, 49999.9, ticker.Bid)
	assert.Equal(t, 50000.5, ticker.Ask)
}

func TestClassifyAPIError_AuthFailures(t *testing.T) {
	for _, msg := range []string{"EAPI:Invalid key", "EAPI:Invalid signature", "EAPI:Invalid nonce"} {
		err := classifyAPIError("op", msg)
		assert.Equal(t, exchange.FaultAuthFailed, err.Kind, msg)
		assert.False(t, err.Retryable(), msg)
	}
}

func TestClassifyAPIError_ServiceUnavailableIsTransient(t *testing.T) {
	err := classifyAPIError("op", "EService:Unavailable")
	assert.Equal(t, exchange.FaultTransient, err.Kind)
	assert.True(t, err.Retryable())
}
