package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatcall/pkg/cache"
	"chatcall/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL drops buckets nobody used for a while. A bucket idle that long
// has refilled, so a fresh one behaves the same.
const limiterIdleTTL = 10 * time.Minute

// callerLimiters hands out one token bucket per caller key.
type callerLimiters struct {
	mu       sync.Mutex
	limiters *cache.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newCallerLimiters(r rate.Limit, burst int) *callerLimiters {
	return &callerLimiters{
		limiters: cache.New[string, *rate.Limiter](limiterIdleTTL),
		rate:     r,
		burst:    burst,
	}
}

func (s *callerLimiters) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(s.rate, s.burst)
	}
	// refresh the idle deadline on every use
	s.limiters.Set(key, limiter)
	return limiter
}

// callerKey identifies who is being limited: the authenticated user when
// AuthMiddleware ran before us, the client address otherwise.
func callerKey(c *gin.Context) string {
	if user, ok := CurrentUser(c); ok {
		return "user:" + string(user)
	}
	return "ip:" + c.ClientIP()
}

// NewHTTPRateLimitMiddleware limits requests per caller. Mounted after
// AuthMiddleware it keys on the user id, so users behind one NAT do not share
// a bucket; on public routes it falls back to the client IP. Every call
// returns an independent set of buckets.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	limiters := newCallerLimiters(rate.Limit(rps), cfg.RateLimiting.HTTP.Burst)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / rps)))

	return func(c *gin.Context) {
		if !limiters.get(callerKey(c)).Allow() {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// NewConcurrencyLimitMiddleware caps in-flight HTTP requests across all
// callers. It is a no-op when the cap is zero or rate limiting is off.
func NewConcurrencyLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	limit := cfg.RateLimiting.HTTP.MaxConcurrent
	if !cfg.RateLimiting.Enabled || limit <= 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	sem := make(chan struct{}, limit)
	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "too many concurrent requests",
			})
			return
		}
		c.Next()
	}
}
