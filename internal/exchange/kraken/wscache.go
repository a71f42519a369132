package kraken

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// balanceCache mirrors account balances from the authenticated websocket feed.
// It is advisory: REST remains the source of truth, but when REST reports a
// zero balance for an asset the feed has seen, the cached amount wins (REST
// lags settlement by a few seconds after fills).
type balanceCache struct {
	wsURL string

	mu       sync.RWMutex
	balances map[string]float64
	updated  time.Time
	started  bool
}

func newBalanceCache(wsURL string) *balanceCache {
	if wsURL == "" {
		wsURL = "wss://ws-auth.kraken.com"
	}
	return &balanceCache{
		wsURL:    wsURL,
		balances: make(map[string]float64),
	}
}

// Get returns a copy of the cached balances keyed by display asset.
func (bc *balanceCache) Get() map[string]float64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	out := make(map[string]float64, len(bc.balances))
	for asset, qty := range bc.balances {
		out[asset] = qty
	}
	return out
}

// set replaces a single asset balance.
func (bc *balanceCache) set(asset string, qty float64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.balances[displayAsset(asset)] = qty
	bc.updated = time.Now()
}

// StartBalanceFeed connects to the authenticated websocket and keeps the
// balance cache warm until ctx is done. Reconnects with a flat delay on any
// failure. Safe to call once; later calls are no-ops.
func (c *Client) StartBalanceFeed(ctx context.Context) {
	c.balances.mu.Lock()
	if c.balances.started {
		c.balances.mu.Unlock()
		return
	}
	c.balances.started = true
	c.balances.mu.Unlock()

	go c.balances.run(ctx, c.websocketToken)
}

// websocketToken obtains a short-lived token for the authenticated feed.
func (c *Client) websocketToken(ctx context.Context) (string, error) {
	var result struct {
		Token string `json:"token"`
	}
	if err := c.private(ctx, "GetWebSocketsToken", "account_data", url.Values{}, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (bc *balanceCache) run(ctx context.Context, tokenFn func(context.Context) (string, error)) {
	for {
		if ctx.Err() != nil {
			return
		}
		bc.connectAndRead(ctx, tokenFn)

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (bc *balanceCache) connectAndRead(ctx context.Context, tokenFn func(context.Context) (string, error)) {
	token, err := tokenFn(ctx)
	if err != nil {
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, bc.wsURL, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"event": "subscribe",
		"subscription": map[string]interface{}{
			"name":  "balances",
			"token": token,
		},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return
	}

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		bc.apply(payload)
	}
}

// apply parses a balances channel message. Event frames (heartbeats,
// subscription acks) arrive as JSON objects and are skipped; data frames are
// arrays whose second element maps asset code to amount.
func (bc *balanceCache) apply(payload []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame) < 2 {
		return
	}

	var amounts map[string]string
	if err := json.Unmarshal(frame[1], &amounts); err != nil {
		return
	}
	for asset, raw := range amounts {
		qty, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		bc.set(asset, qty)
	}
}
