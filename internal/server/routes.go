package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/mbd888/refunddesk/internal/health"
	"github.com/mbd888/refunddesk/internal/ledger"
	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/ratelimit"
	"github.com/mbd888/refunddesk/internal/realtime"
	"github.com/mbd888/refunddesk/internal/refund"
	"github.com/mbd888/refunddesk/internal/webhooks"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Seller and admin consoles; buyers are refused by the hub.
	s.router.GET("/ws", auth.Middleware(s.verifier), s.realtimeHub.Handler())

	v1 := s.router.Group("/v1",
		auth.Middleware(s.verifier),
		auth.RequireAuth(),
		s.rateLimiter.Middleware("actor", ratelimit.ByActor),
	)
	refund.NewHandler(s.refunds).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(v1.Group("", auth.RequireRole(auth.RoleSeller)))
	webhooks.NewHandler(s.webhookStore, eventNames()...).
		WithURLValidator(s.endpointPolicy().Validate).
		RegisterRoutes(v1)
}

// eventNames lists the event types sellers may subscribe webhooks to.
func eventNames() []string {
	types := []refund.EventType{
		refund.EventRequested,
		refund.EventApprovedBySeller,
		refund.EventRejectedBySeller,
		refund.EventApprovedByAdmin,
		refund.EventRejectedByAdmin,
		refund.EventCancelled,
		refund.EventEscalated,
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  realtime.Stats  `json:"realtime"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: s.now().UTC().Truncate(time.Second),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// livenessHandler fails only once the process has decided to die.
func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports whether this replica should receive traffic:
// it is serving, not draining, and every critical backend answers.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
