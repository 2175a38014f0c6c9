package ingest

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/launchbay/launchbay/internal/gateway"
)

// Handler serves the processor webhook endpoint.
type Handler struct {
	ingestor *Ingestor
}

// NewHandler creates a new webhook handler.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// RegisterRoutes mounts the webhook endpoint on the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/payments", h.receive)
}

// receive answers 400 only for unreadable bodies and bad signatures. Once a
// payload verifies, the response is 200 no matter what happens downstream:
// the processor retries non-2xx responses and the ingestor's idempotency
// handles anything we had to drop.
func (h *Handler) receive(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "failed to read request body",
		})
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if signature == "" {
		signature = c.GetHeader("Stripe-Signature")
	}

	if err := h.ingestor.Ingest(c.Request.Context(), payload, signature); err != nil {
		if errors.Is(err, gateway.ErrBadSignature) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": "webhook signature verification failed",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "webhook rejected",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
