package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/launchbay/launchbay/internal/ledger"
	"github.com/launchbay/launchbay/internal/validation"
)

// Handler serves the dispute read/evidence HTTP endpoints. Resolution is
// wired through the escrow handler because it executes a settlement.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts dispute routes on the router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.get)
	r.POST("/disputes/:id/evidence", h.addEvidence)
}

func (h *Handler) get(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	history, err := h.manager.History(c.Request.Context(), d.ID)
	if err != nil {
		history = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"dispute": d,
		"history": history,
	})
}

func (h *Handler) addEvidence(c *gin.Context) {
	var req struct {
		Evidence []string `json:"evidence" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	for i, item := range req.Evidence {
		req.Evidence[i] = validation.SanitizeString(item, validation.MaxStringLength)
	}
	if len(req.Evidence) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "evidence must contain at least one item",
		})
		return
	}

	actor := c.GetHeader("X-Actor-Id")
	role := c.GetHeader("X-Actor-Role")
	d, err := h.manager.AddEvidence(c.Request.Context(), c.Param("id"), actor, role, req.Evidence)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "dispute not found",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "dispute is already resolved",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "operation failed",
		})
	}
}
