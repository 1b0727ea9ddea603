package reconcile

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"
)

// maxPayloadBytes caps webhook bodies; gateway events are small.
const maxPayloadBytes = 64 * 1024

// Handler receives gateway webhooks. It is mounted outside the
// authenticated API; the signature is the authentication.
type Handler struct {
	service       *Service
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a webhook handler. secret is the gateway's signing
// secret; verification fails closed.
func NewHandler(service *Service, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, webhookSecret: secret, logger: logger}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/payment", h.HandleWebhook)
}

// HandleWebhook handles POST /webhooks/payment.
//
// 400 means the delivery itself is bad (signature, payload) and must not
// be retried; 500 asks the gateway to redeliver. Valid events of types
// we don't care about still get 200.
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Payload missing or too large",
		})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	if err := h.service.Process(c.Request.Context(), event); err != nil {
		h.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_error",
			"message": "Event processing failed; delivery will be retried",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
