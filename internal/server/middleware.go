package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/refunddesk/internal/logging"
	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/ratelimit"
	"github.com/mbd888/refunddesk/internal/security"
	"github.com/mbd888/refunddesk/internal/validation"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 128
)

// setupMiddleware installs the chain shared by every route. Order matters:
// the request ID must exist before anything logs.
func (s *Server) setupMiddleware() {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 && !s.cfg.IsProduction() {
		origins = []string{"*"}
	}

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/6)
	}
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(
		s.requestIDMiddleware(),
		s.recoveryMiddleware(),
		s.accessLogMiddleware(),
		metrics.Middleware(),
		security.HeadersMiddleware(security.HeadersOptions{HSTS: s.cfg.IsProduction()}),
		security.CORSMiddleware(origins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware("ip", ratelimit.ByClientIP),
	)
}

// requestIDMiddleware trusts an upstream X-Request-ID of sane length and
// mints one otherwise. The ID and a request-scoped logger ride the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("handler panicked",
			"panic", recovered,
			"method", c.Request.Method,
			"route", c.FullPath(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	})
}

// accessLogMiddleware writes one line per request. Successful requests log
// at debug so production logs carry only failures by default.
func (s *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", c.Writer.Size(),
			"client_ip", c.ClientIP(),
		)
	}
}
