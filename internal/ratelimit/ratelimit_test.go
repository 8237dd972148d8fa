package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/mbd888/refunddesk/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour}).WithClock(clock.Now)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("ip|203.0.113.1")
		require.True(t, ok, "request %d within burst", i)
	}
	ok, wait := l.Allow("ip|203.0.113.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	clock.Advance(time.Second)
	ok, _ = l.Allow("ip|203.0.113.1")
	assert.True(t, ok, "one token refills per second at 60 rpm")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)

	ok, _ := l.Allow("actor|seller:seller-1")
	require.True(t, ok)
	ok, _ = l.Allow("actor|seller:seller-1")
	assert.False(t, ok)

	ok, _ = l.Allow("actor|seller:seller-2")
	assert.True(t, ok)
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 2)
	l.Allow("k")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestLimiter_SweepDropsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)
	l.Allow("idle")
	clock.Advance(10 * time.Minute)
	l.Allow("fresh")

	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "idle")
	assert.Contains(t, l.buckets, "fresh")
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_ByActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 1)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Actor"); id != "" {
			c.Set(auth.ContextKeyActor, auth.Actor{ID: id, Role: auth.RoleSeller})
		}
		c.Next()
	})
	router.Use(l.Middleware("actor", ByActor))
	router.GET("/v1/sellers/me/refunds", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/sellers/me/refunds", nil)
		req.Header.Set("X-Test-Actor", actor)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	before := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("actor"))

	assert.Equal(t, http.StatusOK, call("seller-1").Code)
	w := call("seller-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	// Same IP, different seller.
	assert.Equal(t, http.StatusOK, call("seller-2").Code)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("actor")))
}

func TestByActor_FallsBackToIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.RemoteAddr = "203.0.113.9:4321"

	assert.Equal(t, "203.0.113.9", ByActor(c))
}
