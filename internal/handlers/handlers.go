// Package handlers exposes the builder, billing and diagnostics HTTP API.
package handlers

import (
	"errors"
	"net/http"

	"aun-builder/internal/apps"
	"aun-builder/internal/auth"
	"aun-builder/internal/db"
	"aun-builder/internal/logging"
	"aun-builder/internal/middleware"
	"aun-builder/internal/payments"
	"aun-builder/internal/storage"
	"aun-builder/internal/stream"
	"aun-builder/internal/subscriptions"
	"aun-builder/internal/templates"
	"aun-builder/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Handler contains the dependencies of the API handlers
type Handler struct {
	Auth          *auth.Service
	Providers     *auth.ProviderRegistry
	OAuth         *auth.OAuthService
	Apps          *apps.Service
	Subscriptions *subscriptions.Service
	Payments      *payments.StripeService
	Streams       *stream.Manager
	Hub           *websocket.Hub
	Attachments   *storage.Attachments
	Templates     *templates.Registry
	BaseURL       string

	// Diagnostics; Redis may be nil
	Database *db.Database
	Redis    *redis.Client
	RedisURL string
}

// StandardResponse represents a standard API response
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Error codes returned in StandardResponse.Code
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodeAppLimitReached     = "APP_LIMIT_REACHED"
	CodeMessageLimitReached = "MESSAGE_LIMIT_REACHED"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Client pages the API points users to
const (
	AppLimitReachedPath = "/app-limit-reached"
	PricingPath         = "/#pricing"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, StandardResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, StandardResponse{
		Success: true,
		Data:    data,
	})
}

// currentUser resolves the caller and their Freestyle identity. It writes
// a 401 and returns nil when that fails.
func (h *Handler) currentUser(c *gin.Context) *auth.User {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, auth.ErrUserNotFound.Error())
		return nil
	}

	user, err := h.Auth.GetUser(c.Request.Context(), claims)
	if err != nil {
		logging.WithRequest(c).Error("failed to resolve user", zap.Error(err))
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, auth.ErrUserNotFound.Error())
		return nil
	}
	return user
}

// respondAppError maps app service errors to status codes. Anything
// unexpected is logged and hidden behind a generic message.
func respondAppError(c *gin.Context, err error, fallback string) {
	var notFound *templates.NotFoundError
	switch {
	case errors.Is(err, apps.ErrAppNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, "App not found")
	case errors.Is(err, apps.ErrForbidden):
		respondError(c, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, apps.ErrRenameArgs), errors.Is(err, apps.ErrEmptyName), errors.Is(err, apps.ErrEmptyMessage):
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.As(err, &notFound):
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, notFound.Error())
	case errors.Is(err, apps.ErrAppLimitReached):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"success":  false,
			"error":    err.Error(),
			"code":     CodeAppLimitReached,
			"redirect": AppLimitReachedPath,
		})
	case errors.Is(err, apps.ErrMessageLimitReached):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"success":  false,
			"error":    err.Error(),
			"code":     CodeMessageLimitReached,
			"redirect": PricingPath,
		})
	default:
		logging.WithRequest(c).Error(fallback, zap.Error(err))
		respondError(c, http.StatusInternalServerError, CodeInternalError, fallback)
	}
}
