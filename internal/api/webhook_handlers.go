package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"coachchat/internal/payments"
)

const paddleSignatureHeader = "Paddle-Signature"

func (h *Handler) hitpayWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ev, err := payments.ParseHitPayWebhook(body, h.cfg.HitPay.Salt)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			log.Printf("hitpay webhook signature verification failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		case errors.Is(err, payments.ErrMalformedPayload):
			log.Printf("hitpay webhook: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed webhook payload"})
		default:
			log.Printf("hitpay webhook: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
		}
		return
	}
	if err := h.payments.Apply(c.Request.Context(), ev); err != nil && !errors.Is(err, payments.ErrAlreadyProcessed) {
		log.Printf("hitpay webhook %s: %v", ev.EventID(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "message": "Webhook processed successfully"})
}

// paddleWebhook answers with the status mirrored in the body, as Paddle's
// dashboard shows it.
func (h *Handler) paddleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": http.StatusBadRequest})
		return
	}
	signature := c.GetHeader(paddleSignatureHeader)
	if signature == "" || len(body) == 0 {
		log.Printf("paddle webhook: missing signature from header")
		c.JSON(http.StatusBadRequest, gin.H{"status": http.StatusBadRequest})
		return
	}
	ev, err := payments.ParsePaddleWebhook(body, signature, h.cfg.Paddle.WebhookSecret)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, payments.ErrInvalidSignature), errors.Is(err, payments.ErrMissingSignature):
			status = http.StatusUnauthorized
		case errors.Is(err, payments.ErrMalformedPayload):
			status = http.StatusBadRequest
		}
		log.Printf("paddle webhook: %v", err)
		c.JSON(status, gin.H{"status": status})
		return
	}
	if err := h.payments.Apply(c.Request.Context(), ev); err != nil && !errors.Is(err, payments.ErrAlreadyProcessed) {
		log.Printf("paddle webhook %s: %v", ev.Name(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": http.StatusInternalServerError, "eventName": ev.Name()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "eventName": ev.Name()})
}
