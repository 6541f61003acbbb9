package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdle       = 10 * time.Minute
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterSet hands out one token bucket per key. Idle buckets are swept on
// access, so no background goroutine outlives the set.
type LimiterSet struct {
	r rate.Limit
	b int

	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	lastSweep time.Time
	now       func() time.Time
}

// NewLimiterSet creates a set of r requests/second buckets with burst b.
func NewLimiterSet(r rate.Limit, b int) *LimiterSet {
	return &LimiterSet{
		r:         r,
		b:         max(b, 1),
		limiters:  make(map[string]*keyedLimiter),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow spends one token from key's bucket.
func (s *LimiterSet) Allow(key string) bool {
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.lastSweep) >= limiterSweepEvery {
		s.sweepLocked(now.Add(-limiterIdle))
		s.lastSweep = now
	}
	kl, ok := s.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[key] = kl
	}
	kl.lastSeen = now
	s.mu.Unlock()
	return kl.limiter.AllowN(now, 1)
}

// Len returns how many buckets are live.
func (s *LimiterSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *LimiterSet) sweepLocked(cutoff time.Time) {
	for k, kl := range s.limiters {
		if kl.lastSeen.Before(cutoff) {
			delete(s.limiters, k)
		}
	}
}

// RateLimit provides per-IP token-bucket rate limiting.
// r = requests per second, b = burst size.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	return RateLimitBy(NewLimiterSet(r, b), func(c *gin.Context) string { return c.ClientIP() })
}

// RateLimitBy limits requests per key(c). Requests with an empty key pass.
func RateLimitBy(set *LimiterSet, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k != "" && !set.Allow(k) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// ByIdentity keys on the authenticated identity. Mount it after Auth.
func ByIdentity(c *gin.Context) string { return GetIdentity(c) }
