package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"dca-engine/internal/exchange"
	"dca-engine/internal/safety"
)

// Config holds the configuration for the Kraken client.
type Config struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	WebsocketURL   string
	RequestTimeout time.Duration
	FeeBuffer      float64 // multiplicative sell-volume reduction, default 0.002
}

// Client is a Kraken spot REST client implementing exchange.Adapter. Private
// calls are signed, rate limited per call class and guarded by a circuit
// breaker; public calls are only rate limited.
type Client struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	feeBuffer float64

	nonces   nonceSource
	limiters *safety.RateLimiterManager
	breaker  *gobreaker.CircuitBreaker

	balances *balanceCache
}

// krakenResponse is the envelope every REST endpoint returns.
type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

const (
	defaultBaseURL   = "https://api.kraken.com"
	defaultTimeout   = 15 * time.Second
	defaultFeeBuffer = 0.002
)

// NewClient creates a Kraken client. The websocket balance cache is started
// lazily on the first GetBalance call.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.FeeBuffer <= 0 {
		cfg.FeeBuffer = defaultFeeBuffer
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("User-Agent", "dca-engine/1.0")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kraken-private",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	limiters := safety.NewRateLimiterManager()
	limiters.GetOrCreate("market_data", 20, 10)
	limiters.GetOrCreate("account_data", 10, 5)
	limiters.GetOrCreate("trading", 5, 3)

	return &Client{
		http:      httpClient,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		feeBuffer: cfg.FeeBuffer,
		limiters:  limiters,
		breaker:   breaker,
		balances:  newBalanceCache(cfg.WebsocketURL),
	}
}

// public performs an unauthenticated GET against /0/public/<endpoint>.
func (c *Client) public(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	op := "public/" + endpoint

	if rl, ok := c.limiters.Get("market_data"); ok {
		if err := rl.Wait(ctx); err != nil {
			return exchange.WrapError(exchange.FaultTransient, op, err)
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get("/0/public/" + endpoint)
	if err != nil {
		return classifyTransportError(op, 0, err)
	}
	if resp.StatusCode() != 200 {
		return classifyTransportError(op, resp.StatusCode(), nil)
	}

	return c.decode(op, resp.Body(), out)
}

// private performs a signed POST against /0/private/<endpoint> through the
// circuit breaker. limiterClass selects the token bucket ("trading" or
// "account_data").
func (c *Client) private(ctx context.Context, endpoint, limiterClass string, params url.Values, out interface{}) error {
	op := "private/" + endpoint

	if rl, ok := c.limiters.Get(limiterClass); ok {
		if err := rl.Wait(ctx); err != nil {
			return exchange.WrapError(exchange.FaultTransient, op, err)
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doPrivate(ctx, endpoint, params, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return exchange.WrapError(exchange.FaultTransient, op, err)
	}
	return err
}

func (c *Client) doPrivate(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	op := "private/" + endpoint
	path := "/0/private/" + endpoint

	if params == nil {
		params = url.Values{}
	}
	nonce := c.nonces.Next()
	params.Set("nonce", fmt.Sprintf("%d", nonce))
	body := params.Encode()

	signature, err := sign(path, c.apiSecret, nonce, body)
	if err != nil {
		return exchange.WrapError(exchange.FaultAuthFailed, op, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("API-Key", c.apiKey).
		SetHeader("API-Sign", signature).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		Post(path)
	if err != nil {
		return classifyTransportError(op, 0, err)
	}
	if resp.StatusCode() != 200 {
		return classifyTransportError(op, resp.StatusCode(), nil)
	}

	return c.decode(op, resp.Body(), out)
}

// decode unpacks the Kraken envelope, surfacing API errors as faults.
func (c *Client) decode(op string, body []byte, out interface{}) error {
	var envelope krakenResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return exchange.WrapError(exchange.FaultTransient, op, err)
	}
	if len(envelope.Error) > 0 {
		return classifyAPIError(op, envelope.Error[0])
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return exchange.WrapError(exchange.FaultTransient, op, err)
		}
	}
	return nil
}

var _ exchange.Adapter = (*Client)(nil)
