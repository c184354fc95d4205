package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"coachchat/internal/auth"
	"coachchat/internal/billing"
	"coachchat/internal/payments"
)

// customerID resolves the caller's billing customer, answering the request
// itself when there is none.
func (h *Handler) customerID(c *gin.Context, identity auth.Identity, fallback string) (string, bool) {
	customerID, err := h.billing.ResolveCustomerID(c.Request.Context(), identity.Email)
	if err != nil {
		log.Printf("resolve customer for user %d: %v", identity.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
		return "", false
	}
	if customerID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Customer record not found"})
		return "", false
	}
	return customerID, true
}

func (h *Handler) getCredits(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	customerID, ok := h.customerID(c, identity, "Error fetching credits")
	if !ok {
		return
	}
	credits, err := h.billing.Balance(c.Request.Context(), customerID)
	if err != nil {
		log.Printf("balance for customer %s: %v", customerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching credits"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

// getCreditTransactions returns the caller's credit ledger, newest first.
func (h *Handler) getCreditTransactions(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	customerID, ok := h.customerID(c, identity, "Error fetching transactions")
	if !ok {
		return
	}
	txs, err := h.billing.Transactions(c.Request.Context(), customerID)
	if err != nil {
		log.Printf("ledger for customer %s: %v", customerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) getPricing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": billing.Tiers()})
}

func (h *Handler) hitpayCheckout(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req struct {
		TierID string `json:"tierId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.TierID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing tier ID"})
		return
	}
	tier, ok := billing.TierByID(req.TierID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tier ID"})
		return
	}

	name, reference := identity.Email, identity.Email
	if name == "" {
		name = "Customer"
		reference = "customer-" + strconv.FormatInt(identity.UserID, 10)
	}
	result, err := h.hitpay.CreatePaymentRequest(c.Request.Context(), payments.PaymentRequest{
		Tier:        tier,
		Email:       identity.Email,
		Name:        name,
		Reference:   reference,
		RedirectURL: h.publicURL("/app/checkout/success"),
		WebhookURL:  h.publicURL("/api/webhook/hitpay"),
	})
	if err != nil {
		log.Printf("hitpay payment request for user %d: %v", identity.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checkoutUrl":      result.URL,
		"paymentRequestId": result.ID,
		"tierInfo": gin.H{
			"name":    tier.Name,
			"credits": tier.Credits,
			"amount":  float64(tier.Amount) / 100,
		},
	})
}
