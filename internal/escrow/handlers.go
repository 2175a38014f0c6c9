package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/launchbay/launchbay/internal/conditions"
	"github.com/launchbay/launchbay/internal/dispute"
	"github.com/launchbay/launchbay/internal/gateway"
	"github.com/launchbay/launchbay/internal/ledger"
	"github.com/launchbay/launchbay/internal/platform"
	"github.com/launchbay/launchbay/internal/validation"
)

// Handler serves the escrow HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts escrow routes on the router group. adminOnly gates
// endpoints reserved for marketplace operators.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, adminOnly gin.HandlerFunc) {
	r.POST("/escrow", h.create)
	r.GET("/escrow", h.list)
	r.GET("/escrow/:id", h.get)
	r.POST("/escrow/:id/release", h.release)
	r.POST("/escrow/:id/refund", h.refund)
	r.POST("/escrow/:id/dispute", h.fileDispute)
	r.POST("/disputes/:id/resolve", adminOnly, h.resolveDispute)
}

func actorFrom(c *gin.Context) (id, role string) {
	return c.GetHeader("X-Actor-Id"), c.GetHeader("X-Actor-Role")
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx, clientHandle, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"escrowTransactionId": tx.ID,
		"clientHandle":        clientHandle,
		"amount":              tx.Amount,
		"platformFee":         tx.PlatformFee,
		"sellerAmount":        tx.SellerAmount,
		"holdUntil":           tx.HoldUntil,
		"releaseConditions":   tx.ReleaseConditions,
	})
}

func (h *Handler) get(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	history, err := h.service.History(c.Request.Context(), tx.ID)
	if err != nil {
		history = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"history":     history,
	})
}

func (h *Handler) list(c *gin.Context) {
	party := c.Query("party")
	if party == "" {
		party, _ = actorFrom(c)
	}
	if party == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "party query parameter or X-Actor-Id header is required",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.service.ListByParty(c.Request.Context(), party, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) release(c *gin.Context) {
	var req struct {
		Reason     string   `json:"reason"`
		Conditions []string `json:"conditions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	actorID, actorRole := actorFrom(c)
	tx, err := h.service.Release(c.Request.Context(), c.Param("id"), actorID, actorRole, req.Reason, req.Conditions)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transferRef":    tx.ExternalTransferRef,
		"releasedAmount": tx.SellerAmount,
		"platformFee":    tx.PlatformFee,
	})
}

func (h *Handler) refund(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	actorID, actorRole := actorFrom(c)
	tx, err := h.service.Refund(c.Request.Context(), c.Param("id"), actorID, actorRole, req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refundRef": tx.ExternalRefundRef,
	})
}

func (h *Handler) fileDispute(c *gin.Context) {
	var req struct {
		Reason      string   `json:"reason" binding:"required"`
		Description string   `json:"description"`
		Evidence    []string `json:"evidence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	actorID, actorRole := actorFrom(c)
	d, err := h.service.FileDispute(c.Request.Context(), c.Param("id"), actorID, actorRole,
		validation.SanitizeString(req.Reason, 500),
		validation.SanitizeString(req.Description, validation.MaxStringLength),
		req.Evidence)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"disputeId": d.ID,
		"status":    d.Status,
	})
}

func (h *Handler) resolveDispute(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
		Note       string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	actorID, _ := actorFrom(c)
	tx, d, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution, actorID, RoleAdmin, req.Note)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"dispute":     d,
	})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var (
		verrs   validation.ValidationErrors
		condErr *ConditionsNotMetError
		unknown *conditions.UnknownConditionError
	)
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"fields":  verrs,
		})
	case errors.As(err, &condErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "conditions_not_met",
			"message": condErr.Error(),
			"unmet":   condErr.Unmet,
		})
	case errors.As(err, &unknown):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_condition",
			"message": unknown.Error(),
		})
	case errors.Is(err, ErrNotFound), errors.Is(err, platform.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "not authorized for this escrow operation",
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, dispute.ErrInvalidResolution), errors.Is(err, dispute.ErrAlreadyResolved):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "transaction was settled by a concurrent operation; retry with fresh state",
		})
	case errors.Is(err, dispute.ErrDuplicateDispute):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_dispute",
			"message": "transaction already has an open dispute",
		})
	case gateway.IsGatewayError(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "payment processor request failed; safe to retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "operation failed",
		})
	}
}
