package kraken

import (
	"strings"
	"time"

	"dca-engine/internal/exchange"
)

// classifyAPIError maps a Kraken error string (e.g. "EOrder:Insufficient
// funds") onto the adapter fault taxonomy. The leading severity letter is E
// for errors and W for warnings; warnings never reach this path.
func classifyAPIError(op, message string) *exchange.Error {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		// Kraken does not return a Retry-After for REST; the counter decays
		// at roughly one point per few seconds, so suggest a flat delay.
		return exchange.NewError(exchange.FaultRateLimited, op, message).
			WithRetryAfter(5 * time.Second)

	case strings.Contains(lower, "invalid key"),
		strings.Contains(lower, "invalid signature"),
		strings.Contains(lower, "invalid nonce"),
		strings.Contains(lower, "permission denied"):
		return exchange.NewError(exchange.FaultAuthFailed, op, message)

	case strings.Contains(lower, "insufficient funds"),
		strings.Contains(lower, "insufficient initial margin"):
		return exchange.NewError(exchange.FaultInsufficientBalance, op, message)

	case strings.Contains(lower, "unknown asset pair"), strings.Contains(lower, "unknown asset"):
		return exchange.NewError(exchange.FaultUnknownPair, op, message)

	case strings.Contains(lower, "order minimum not met"),
		strings.Contains(lower, "volume minimum not met"):
		return exchange.NewError(exchange.FaultMinOrderSize, op, message)

	case strings.Contains(lower, "invalid amount"),
		strings.Contains(lower, "invalid price"),
		strings.Contains(lower, "lot_decimals"):
		return exchange.NewError(exchange.FaultInvalidPrecision, op, message)

	case strings.Contains(lower, "service:unavailable"),
		strings.Contains(lower, "service:busy"),
		strings.Contains(lower, "internal error"),
		strings.Contains(lower, "timeout"):
		return exchange.NewError(exchange.FaultTransient, op, message)

	default:
		return exchange.NewError(exchange.FaultOther, op, message)
	}
}

// classifyTransportError wraps HTTP-level failures. 5xx and network errors are
// transient; 429 is a rate limit.
func classifyTransportError(op string, statusCode int, err error) *exchange.Error {
	switch {
	case statusCode == 429:
		return exchange.NewError(exchange.FaultRateLimited, op, "HTTP 429").
			WithRetryAfter(5 * time.Second)
	case statusCode >= 500:
		return exchange.NewError(exchange.FaultTransient, op, "server error").
			WithRetryAfter(0)
	case err != nil:
		return exchange.WrapError(exchange.FaultTransient, op, err)
	default:
		return exchange.NewError(exchange.FaultOther, op, "unexpected response")
	}
}
