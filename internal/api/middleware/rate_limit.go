package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"realtime-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// RateLimiter counts hits per key over a sliding window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type RateLimitMiddleware struct {
	limiter RateLimiter
	logger  *slog.Logger
}

// NewRateLimitMiddleware returns a middleware factory. A nil limiter lets
// every request through.
func NewRateLimitMiddleware(limiter RateLimiter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger.With(slog.String("component", "rate-limit")),
	}
}

func (rm *RateLimitMiddleware) check(c *gin.Context, key string, requests int, window time.Duration) bool {
	if rm.limiter == nil || requests <= 0 {
		return true
	}
	allowed, err := rm.limiter.CheckRateLimit(c.Request.Context(), key, requests, window)
	if err != nil {
		// Fail open while the limiter is unavailable.
		rm.logger.Warn("Rate limit check failed", "key", key, "error", err)
		return true
	}
	if !allowed {
		response.Error(c, http.StatusTooManyRequests, response.ErrCodeRateLimited,
			fmt.Sprintf("Too many requests. Limit: %d per %v", requests, window))
		return false
	}
	return true
}

// RateLimit limits requests per authenticated user and route. It must run
// after RequireAuth.
func (rm *RateLimitMiddleware) RateLimit(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			response.Error(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "")
			return
		}
		if rm.check(c, fmt.Sprintf("%s:%s", userID, c.FullPath()), requests, window) {
			c.Next()
		}
	}
}

// RateLimitIP limits requests per client IP and route.
func (rm *RateLimitMiddleware) RateLimitIP(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rm.check(c, fmt.Sprintf("ip:%s:%s", c.ClientIP(), c.FullPath()), requests, window) {
			c.Next()
		}
	}
}
