package refund

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/mbd888/refunddesk/internal/logging"
	"github.com/mbd888/refunddesk/internal/pagination"
	"github.com/mbd888/refunddesk/internal/validation"
)

// Handler provides HTTP endpoints for refund requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up refund routes. The group must require
// authentication; role checks are applied per route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	buyer := auth.RequireRole(auth.RoleBuyer)
	seller := auth.RequireRole(auth.RoleSeller)
	admin := auth.RequireRole(auth.RoleAdmin)

	r.POST("/refunds", buyer, h.CreateRefund)

	byID := r.Group("/refunds/:id", validation.IDParam("id"))
	byID.GET("", h.GetRefund)
	byID.GET("/history", h.GetHistory)
	byID.POST("/seller-decision", seller, h.SellerDecision)
	byID.POST("/admin-override", admin, h.AdminOverride)
	byID.POST("/cancel", auth.RequireRole(auth.RoleBuyer, auth.RoleAdmin), h.Cancel)

	r.GET("/buyers/me/refunds", buyer, h.ListBuyerRefunds)
	r.GET("/sellers/me/refunds", seller, h.ListSellerRefunds)
	r.GET("/admin/refunds/escalated", admin, h.ListEscalated)
	r.GET("/orders/:id/refund-eligibility", buyer, validation.IDParam("id"), h.GetEligibility)
}

// CreateRefund handles POST /v1/refunds
func (h *Handler) CreateRefund(c *gin.Context) {
	var req CreateInput
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Check(
		validation.Required("orderId", req.OrderID),
		validation.ID("orderId", req.OrderID),
		validation.Required("reason", req.Reason),
		validation.MaxChars("reason", req.Reason, MaxTextLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	req.Reason = validation.CleanText(req.Reason, MaxTextLength)

	actor := actorFrom(c)
	r, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": h.service.Project(r, actor.Role)})
}

// GetRefund handles GET /v1/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	actor := actorFrom(c)
	r, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": h.service.Project(r, actor.Role)})
}

// GetHistory handles GET /v1/refunds/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	actor := actorFrom(c)
	history, err := h.service.History(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	if actor.Role == RoleBuyer {
		history = redactHistory(history)
	}
	c.JSON(http.StatusOK, gin.H{"transitions": history, "count": len(history)})
}

// SellerDecision handles POST /v1/refunds/:id/seller-decision
func (h *Handler) SellerDecision(c *gin.Context) {
	var req SellerDecision
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Check(
		validation.OneOf("action", string(req.Action), string(ActionApprove), string(ActionReject)),
		validation.MaxChars("comment", req.Comment, MaxTextLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	req.Comment = validation.CleanText(req.Comment, MaxTextLength)

	actor := actorFrom(c)
	r, err := h.service.SellerDecide(c.Request.Context(), c.Param("id"), actor.ID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": h.service.Project(r, RoleSeller)})
}

// AdminOverride handles POST /v1/refunds/:id/admin-override
func (h *Handler) AdminOverride(c *gin.Context) {
	var req AdminDecision
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Check(
		validation.OneOf("action", string(req.Action), string(ActionApprove), string(ActionReject)),
		validation.Required("comment", req.Comment),
		validation.MaxChars("comment", req.Comment, MaxTextLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	req.Comment = validation.CleanText(req.Comment, MaxTextLength)

	actor := actorFrom(c)
	r, err := h.service.AdminOverride(c.Request.Context(), c.Param("id"), actor.ID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": h.service.Project(r, RoleAdmin)})
}

// CancelRequest is the body of a cancellation.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/refunds/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Check(
		validation.Required("reason", req.Reason),
		validation.MaxChars("reason", req.Reason, MaxTextLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	actor := actorFrom(c)
	r, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor, validation.CleanText(req.Reason, MaxTextLength))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": h.service.Project(r, actor.Role)})
}

// ListBuyerRefunds handles GET /v1/buyers/me/refunds
func (h *Handler) ListBuyerRefunds(c *gin.Context) {
	pr, ok := pageRequest(c)
	if !ok {
		return
	}
	page, err := h.service.ListForBuyer(c.Request.Context(), actorFrom(c).Email, pr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListSellerRefunds handles GET /v1/sellers/me/refunds
func (h *Handler) ListSellerRefunds(c *gin.Context) {
	pr, ok := pageRequest(c)
	if !ok {
		return
	}
	page, err := h.service.ListForSeller(c.Request.Context(), actorFrom(c).ID, pr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListEscalated handles GET /v1/admin/refunds/escalated
func (h *Handler) ListEscalated(c *gin.Context) {
	pr, ok := pageRequest(c)
	if !ok {
		return
	}
	page, err := h.service.ListEscalated(c.Request.Context(), pr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetEligibility handles GET /v1/orders/:id/refund-eligibility
func (h *Handler) GetEligibility(c *gin.Context) {
	view, err := h.service.CheckEligibility(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// fail writes the error body for err. Unknown errors are logged and
// reported without detail.
func (h *Handler) fail(c *gin.Context, err error) {
	code, status := classify(err)
	body := gin.H{"error": code, "message": err.Error()}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("refund request failed",
			"path", c.FullPath(), "error", err)
		body["message"] = "Internal error"
	}
	if Retryable(err) {
		body["retryable"] = true
	}
	if errors.Is(err, ErrWindowExpired) {
		body["route_to"] = "admin_override"
	}
	c.JSON(status, body)
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func validationFailed(c *gin.Context, errs validation.Errors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func pageRequest(c *gin.Context) (PageRequest, bool) {
	pr := PageRequest{
		Limit:  pagination.ParseLimit(c.Query("limit")),
		Cursor: c.Query("cursor"),
	}
	if s := c.Query("status"); s != "" {
		if !Status(s).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "unknown status " + s,
			})
			return pr, false
		}
		pr.Status = Status(s)
	}
	return pr, true
}

// actorFrom maps the authenticated identity onto a refund actor. Routes
// are behind RequireRole, so the identity is always present.
func actorFrom(c *gin.Context) Actor {
	a, _ := auth.ActorFrom(c)
	return Actor{ID: a.ID, Role: Role(a.Role), Email: a.Email}
}

// redactHistory drops seller and admin comments from a buyer's view of
// the audit trail, matching Project.
func redactHistory(in []*Transition) []*Transition {
	out := make([]*Transition, 0, len(in))
	for _, t := range in {
		tc := *t
		if tc.ActorRole != RoleBuyer {
			tc.Comment = ""
		}
		out = append(out, &tc)
	}
	return out
}
