package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/refunddesk/internal/auth"
)

// Handler provides HTTP endpoints for seller balance views
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes. The group must require the seller role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/me/balance", h.GetBalance)
	r.GET("/sellers/me/ledger", h.GetHistory)
}

// GetBalance handles GET /sellers/me/balance
func (h *Handler) GetBalance(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return
	}

	bals, err := h.ledger.Balances(c.Request.Context(), actor.ID)
	if err != nil {
		h.logger.Error("failed to load balances", "seller", actor.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load balance"})
		return
	}
	if bals == nil {
		bals = []*Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"sellerId": actor.ID, "balances": bals})
}

// GetHistory handles GET /sellers/me/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), actor.ID, limit)
	if err != nil {
		h.logger.Error("failed to load ledger history", "seller", actor.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load history"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
