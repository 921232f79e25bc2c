package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// securityHeaders sets the standard hardening headers on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// bodyLimit caps request body reads at max bytes.
func bodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// clientLimiters holds one token bucket per client IP. Stale entries are
// swept inline on lookup rather than by a background goroutine, so the
// limiter has no lifecycle of its own.
type clientLimiters struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	limiterSweepEvery = 5 * time.Minute
	limiterStaleAfter = 10 * time.Minute
)

func (cl *clientLimiters) allow(ip string) bool {
	now := time.Now()

	cl.mu.Lock()
	if now.Sub(cl.lastSweep) > limiterSweepEvery {
		for k, b := range cl.buckets {
			if now.Sub(b.lastSeen) > limiterStaleAfter {
				delete(cl.buckets, k)
			}
		}
		cl.lastSweep = now
	}
	b, ok := cl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.buckets[ip] = b
	}
	b.lastSeen = now
	cl.mu.Unlock()

	return b.limiter.Allow()
}

// RateLimiter enforces per-IP token-bucket rate limiting. rps is the
// steady-state requests per second; burst is the maximum burst size.
// Probe endpoints are exempt so health checks and scrapes are never shed.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	cl := &clientLimiters{
		rps:       rate.Limit(rps),
		burst:     burst,
		buckets:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}

	return func(c *gin.Context) {
		switch c.FullPath() {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		if !cl.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
