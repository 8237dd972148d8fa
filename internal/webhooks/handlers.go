package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/mbd888/refunddesk/internal/idgen"
	"github.com/mbd888/refunddesk/internal/logging"
	"github.com/mbd888/refunddesk/internal/security"
	"github.com/mbd888/refunddesk/internal/validation"
)

// MaxSubscriptionsPerOwner caps registrations per seller or admin.
const MaxSubscriptionsPerOwner = 10

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	events       []string
	urlValidator func(string) error
	now          func() time.Time
}

// NewHandler creates a new webhook handler. events lists the event types
// a subscription may ask for.
func NewHandler(store Store, events ...string) *Handler {
	known := append([]string(nil), events...)
	sort.Strings(known)
	return &Handler{
		store:        store,
		events:       known,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
}

// WithURLValidator replaces the endpoint check run at registration.
func (h *Handler) WithURLValidator(fn func(string) error) *Handler {
	h.urlValidator = fn
	return h
}

// RegisterRoutes sets up webhook routes. The group must require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/webhooks", auth.RequireRole(auth.RoleSeller, auth.RoleAdmin))
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.DELETE("/:id", validation.IDParam("id"), h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []validation.Rule{
		validation.Required("url", req.URL),
		validation.MaxChars("url", req.URL, 2048),
	}
	for _, e := range req.Events {
		checks = append(checks, validation.OneOf("events", e, h.events...))
	}
	if errs := validation.Check(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.store.GetByOwner(ctx, string(actor.Role), actor.ID)
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if len(existing) >= MaxSubscriptionsPerOwner {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhooks registered",
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		OwnerID:   actor.ID,
		OwnerRole: string(actor.Role),
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		h.internalError(c, "create webhook", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(secret, timestamp + \".\" + body))",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	subs, err := h.store.GetByOwner(c.Request.Context(), string(actor.Role), actor.ID)
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	// Secrets are never serialized
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
	})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	ctx := c.Request.Context()

	sub, err := h.store.Get(ctx, c.Param("id"))
	if err == nil && (sub.OwnerID != actor.ID || sub.OwnerRole != string(actor.Role)) {
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		h.internalError(c, "delete webhook", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error("webhook "+op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal error",
	})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
