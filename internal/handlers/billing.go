package handlers

import (
	"errors"
	"io"
	"net/http"

	"aun-builder/internal/logging"
	"aun-builder/internal/middleware"
	"aun-builder/internal/payments"
	"aun-builder/internal/subscriptions"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Stripe sends events well under this size
const maxWebhookBody = 65536

// CheckoutRequest is the body of POST /api/create-checkout-session
type CheckoutRequest struct {
	Plan string `json:"plan"`
}

// CreateCheckoutSession starts a Stripe subscription checkout
// POST /api/create-checkout-session
func (h *Handler) CreateCheckoutSession(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	email, _ := middleware.GetUserEmail(c)
	result, err := h.Payments.CreateCheckoutSession(c.Request.Context(), userID, email, req.Plan)
	if err != nil {
		logging.WithRequest(c).Error("error creating checkout session", zap.String("plan", req.Plan), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// VerifyCheckoutSession reports the outcome of a checkout for the payment success page
// GET /api/checkout-session/:id
func (h *Handler) VerifyCheckoutSession(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	status, err := h.Payments.VerifyCheckoutSession(c.Request.Context(), userID, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, status)
	case errors.Is(err, payments.ErrSessionMismatch):
		c.JSON(http.StatusNotFound, gin.H{"error": "Checkout session not found"})
	default:
		logging.WithRequest(c).Error("error verifying checkout session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// CreateBillingPortalSession returns a Stripe billing portal URL
// POST /api/billing-portal
func (h *Handler) CreateBillingPortalSession(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	url, err := h.Payments.CreateBillingPortalSession(c.Request.Context(), userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"url": url})
	case errors.Is(err, payments.ErrCustomerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No billing account found. Subscribe to a plan first."})
	default:
		logging.WithRequest(c).Error("error creating billing portal session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// HandleWebhook verifies and applies a Stripe event. Processing failures
// answer 500 so Stripe retries the delivery.
// POST /api/webhook
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.String(http.StatusBadRequest, "Webhook Error: %s", err.Error())
		return
	}

	event, err := h.Payments.ConstructEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.WithRequest(c).Warn("webhook signature verification failed", zap.Error(err))
		c.String(http.StatusBadRequest, "Webhook Error: %s", err.Error())
		return
	}

	if err := h.Payments.HandleEvent(c.Request.Context(), event); err != nil {
		logging.WithRequest(c).Error("webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook handler failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// TrackMessage counts one sent message for the caller
// POST /api/track-message
func (h *Handler) TrackMessage(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	if err := h.Subscriptions.TrackMessage(c.Request.Context(), userID); err != nil {
		logging.WithRequest(c).Error("error tracking message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetMessageCount returns the caller's tracked message count
// GET /api/track-message
func (h *Handler) GetMessageCount(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	count, err := h.Subscriptions.MessageCount(c.Request.Context(), userID)
	if err != nil {
		logging.WithRequest(c).Error("error getting message count", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageCount": count})
}

// GetUserSubscription returns the caller's plan and usage. Anonymous callers
// and lookup failures get the free defaults.
// GET /api/user-subscription
func (h *Handler) GetUserSubscription(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusOK, subscriptions.DefaultSummary())
		return
	}

	summary, err := h.Subscriptions.Summary(c.Request.Context(), userID)
	if err != nil {
		logging.WithRequest(c).Error("error getting subscription", zap.Error(err))
		c.JSON(http.StatusOK, subscriptions.DefaultSummary())
		return
	}
	c.JSON(http.StatusOK, summary)
}
