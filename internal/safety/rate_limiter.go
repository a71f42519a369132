package safety

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements token-bucket rate limiting for exchange call classes.
type RateLimiter struct {
	capacity   int       // maximum number of tokens
	tokens     int       // current number of tokens
	refillRate int       // tokens added per second
	lastRefill time.Time // last time tokens were added
	mutex      sync.Mutex
	name       string
}

// NewRateLimiter creates a rate limiter that starts with a full bucket.
func NewRateLimiter(name string, capacity, refillRate int) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		name:       name,
	}
}

// Allow checks if a single operation is allowed under the rate limit.
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN checks if N operations are allowed under the rate limit.
func (rl *RateLimiter) AllowN(n int) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refillTokens()

	if rl.tokens >= n {
		rl.tokens -= n
		return true
	}
	return false
}

// Wait blocks until one operation is allowed or the context is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// refillTokens adds tokens based on elapsed time. Caller holds the mutex.
func (rl *RateLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)

	newTokens := int(elapsed.Seconds() * float64(rl.refillRate))
	if newTokens > 0 {
		rl.tokens += newTokens
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.lastRefill = now
	}
}

// Name returns the limiter's identifier.
func (rl *RateLimiter) Name() string {
	return rl.name
}

// RateLimiterManager holds the limiters for the different exchange call
// classes (market data, account data, trading).
type RateLimiterManager struct {
	limiters map[string]*RateLimiter
	mutex    sync.RWMutex
}

// NewRateLimiterManager creates an empty manager.
func NewRateLimiterManager() *RateLimiterManager {
	return &RateLimiterManager{
		limiters: make(map[string]*RateLimiter),
	}
}

// GetOrCreate returns the named limiter, creating it on first use.
func (m *RateLimiterManager) GetOrCreate(name string, capacity, refillRate int) *RateLimiter {
	m.mutex.RLock()
	if rl, ok := m.limiters[name]; ok {
		m.mutex.RUnlock()
		return rl
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if rl, ok := m.limiters[name]; ok {
		return rl
	}
	rl := NewRateLimiter(name, capacity, refillRate)
	m.limiters[name] = rl
	return rl
}

// Get returns the named limiter if it exists.
func (m *RateLimiterManager) Get(name string) (*RateLimiter, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rl, ok := m.limiters[name]
	return rl, ok
}
