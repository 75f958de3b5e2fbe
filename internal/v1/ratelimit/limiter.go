// Package ratelimit implements connection rate limiting for the websocket
// gateway using an in-memory sliding window store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/emberfell/server/internal/v1/config"
	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances. Connections are limited
// twice: per source IP before the upgrade, and per authenticated account
// after token validation.
type RateLimiter struct {
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter
	store  limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance from the configured
// rate strings (ulule format, e.g. "100-M").
func NewRateLimiter(cfg *config.Config) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	// A single server instance owns all of its rooms, so a shared store
	// across pods buys nothing here; memory is enough.
	store := memory.NewStore()

	return &RateLimiter{
		wsIP:   limiter.New(store, wsIPRate),
		wsUser: limiter.New(store, wsUserRate),
		store:  store,
	}, nil
}

// CheckWebSocket checks if a WebSocket connection attempt should be allowed
// based on the client IP. Returns true if allowed, false if the limit was
// exceeded (and writes the 429 response). Runs before the upgrade, while an
// HTTP status can still be returned.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketUser checks the account-specific connection limit.
// Call this after successfully authenticating the session.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, accountID string) error {
	userContext, err := rl.wsUser.Get(ctx, accountID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (User)", zap.Error(err))
		return nil // Fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for account")
	}

	return nil
}
