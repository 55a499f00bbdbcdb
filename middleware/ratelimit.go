// Package middleware provides the Gin middleware chain described in
// SPEC_FULL.md §4.H: per-host rate limiting on mutating routes,
// request-id tagging, and request logging/metrics. Grounded on the
// teacher's middleware/auth.go for the Gin gin.HandlerFunc/c.Abort()
// shape, adapted from bearer-token checks to request bookkeeping.
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	rateLimitPerSecond = 5
	rateLimitBurst     = 10
	bucketIdleTimeout  = 10 * time.Minute
	bucketSweepPeriod  = 1 * time.Minute
)

// bucket pairs a per-host limiter with the last time it was consulted, so
// idle hosts can be garbage-collected.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// hostLimiter is a single mutex-guarded map of per-remote-host token buckets
// (SPEC_FULL.md §4.H implementation note).
type hostLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newHostLimiter() *hostLimiter {
	h := &hostLimiter{buckets: make(map[string]*bucket)}
	go h.sweep()
	return h
}

func (h *hostLimiter) allow(host string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buckets[host]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurst)}
		h.buckets[host] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

func (h *hostLimiter) sweep() {
	ticker := time.NewTicker(bucketSweepPeriod)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.Lock()
		now := time.Now()
		for host, b := range h.buckets {
			if now.Sub(b.lastSeen) > bucketIdleTimeout {
				delete(h.buckets, host)
			}
		}
		h.mu.Unlock()
	}
}

// mutatingMethods are the HTTP methods the rate limiter applies to; GET
// and the long-lived streaming/SSE routes are exempt (SPEC_FULL.md §4.H).
var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPatch:  true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// RateLimit returns middleware enforcing a per-host token bucket on
// mutating /api/* routes.
func RateLimit() gin.HandlerFunc {
	limiter := newHostLimiter()
	return func(c *gin.Context) {
		if !mutatingMethods[c.Request.Method] || !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		if !limiter.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":       "RATE_LIMITED",
				"message":    "rate limit exceeded",
				"request_id": RequestIDFromGin(c),
			})
			return
		}
		c.Next()
	}
}
