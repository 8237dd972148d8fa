package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/refunddesk/internal/logging"
)

// ContextKeyActor is the key for storing the authenticated actor in gin context
const ContextKeyActor = "authActor"

type ctxKey struct{}

// Middleware extracts and validates the bearer token.
// Sets the actor in both gin and request context if valid.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			// Browsers cannot set headers on websocket upgrades.
			raw = c.Query("access_token")
		}
		if raw != "" {
			if actor, err := v.Verify(raw); err == nil {
				c.Set(ContextKeyActor, actor)
				ctx := WithActor(c.Request.Context(), actor)
				ctx = logging.WithActor(ctx, actor.ID, string(actor.Role))
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ActorFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose actor has none of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Role " + string(actor.Role) + " may not call this endpoint.",
		})
	}
}

// ActorFrom returns the actor from gin context (if authenticated)
func ActorFrom(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}

// WithActor stores actor in ctx for code below the HTTP layer.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

// FromContext returns the actor stored by WithActor.
func FromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(Actor)
	return actor, ok
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
