// Package ratelimit provides token-bucket rate limiting for the refund API.
// Anonymous traffic is limited per client IP; authenticated traffic per
// actor, so one seller's script cannot starve a shared office IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/mbd888/refunddesk/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained refill rate per key.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc picks the bucket for a request.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys on the client address.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByActor keys on the authenticated actor, falling back to the client IP.
func ByActor(c *gin.Context) string {
	if actor, ok := auth.ActorFrom(c); ok {
		return string(actor.Role) + ":" + actor.ID
	}
	return c.ClientIP()
}

// Limiter tracks token buckets by key.
type Limiter struct {
	cfg     Config
	rate    float64 // tokens per second
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		rate:    float64(cfg.RequestsPerMinute) / 60,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock overrides the clock (for testing).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets that have been idle long enough to be full again.
func (l *Limiter) sweep() {
	idle := time.Duration(float64(l.cfg.BurstSize)/l.rate*float64(time.Second)) + time.Minute
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token for key. When none is left it reports how long until
// the next one.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastSeen: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// Middleware limits requests in scope ("ip", "actor") by key.
func (l *Limiter) Middleware(scope string, key KeyFunc) gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.RequestsPerMinute)
	return func(c *gin.Context) {
		allowed, wait := l.Allow(scope + "|" + key(c))
		c.Header("X-RateLimit-Limit", limit)
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
