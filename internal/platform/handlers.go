package platform

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/launchbay/launchbay/internal/validation"
)

// Handler serves the platform registry HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new platform handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts platform routes on the router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/platforms", h.register)
	r.GET("/platforms/:id", h.get)
	r.POST("/platforms/:id/deployed", h.markDeployed)
	r.POST("/platforms/:id/heartbeat", h.heartbeat)
	r.POST("/platforms/:id/metrics-sample", h.recordSample)
	r.POST("/platforms/:id/confirm-satisfaction", h.confirmSatisfaction)
	r.GET("/platforms/:id/stats", h.stats)
}

func (h *Handler) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if verr := validation.Validate(
		validation.Required("sellerId", req.SellerID),
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.Required("payoutAccount", req.PayoutAccount),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verr.Error(),
		})
		return
	}

	p, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to register platform",
		})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) markDeployed(c *gin.Context) {
	p, err := h.service.MarkDeployed(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) heartbeat(c *gin.Context) {
	p, err := h.service.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) recordSample(c *gin.Context) {
	var req struct {
		ResponseMs   float64 `json:"responseMs"`
		UptimePct    float64 `json:"uptimePct"`
		ErrorRatePct float64 `json:"errorRatePct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sample := &PerfSample{
		PlatformID:   c.Param("id"),
		ResponseMs:   req.ResponseMs,
		UptimePct:    req.UptimePct,
		ErrorRatePct: req.ErrorRatePct,
		At:           time.Now(),
	}
	if err := h.service.RecordSample(c.Request.Context(), sample); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (h *Handler) confirmSatisfaction(c *gin.Context) {
	buyerID := c.GetHeader("X-Actor-Id")
	if buyerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_actor",
			"message": "X-Actor-Id header is required",
		})
		return
	}

	if err := h.service.ConfirmSatisfaction(c.Request.Context(), c.Param("id"), buyerID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

func (h *Handler) stats(c *gin.Context) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	stats, err := h.service.Stats(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "platform not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "operation failed",
	})
}
