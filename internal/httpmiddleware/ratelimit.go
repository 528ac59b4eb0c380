package httpmiddleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"eventsync/internal/verify"
)

// RateLimit enforces per-IP request limits backed by a shared window limiter.
type RateLimit struct {
	limiter    verify.Limiter
	prefix     string
	retryAfter time.Duration
}

// NewRateLimit admits perMinute requests per client IP in any rolling minute.
func NewRateLimit(perMinute int) *RateLimit {
	return NewRateLimitWith(verify.NewSlidingWindow(perMinute, time.Minute), time.Minute)
}

// NewRateLimitWith wraps an existing limiter, e.g. a RedisLimiter shared by
// several API replicas.
func NewRateLimitWith(l verify.Limiter, window time.Duration) *RateLimit {
	return &RateLimit{limiter: l, prefix: "http:", retryAfter: window}
}

// GinMiddleware returns gin handler enforcing per-IP limits. Limiter
// failures let the request through.
func (l *RateLimit) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		_, ok, err := l.limiter.Allow(c.Request.Context(), l.prefix+ip)
		if err != nil {
			log.Warn().Err(err).Str("module", "ratelimit").Msg("limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(l.retryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
