package handlers

import (
	"aun-builder/internal/auth"
	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"
	"aun-builder/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RouterConfig holds the HTTP settings that are not handler dependencies
type RouterConfig struct {
	Validator   *auth.TokenValidator
	CORSOrigins []string
	// RateLimiter may be nil to disable per-IP limiting
	RateLimiter    *middleware.IPRateLimiter
	EnableMetrics  bool
	TrustedProxies []string
}

// NewRouter builds the gin engine with the middleware chain and every route
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	_ = router.SetTrustedProxies(cfg.TrustedProxies)

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(logging.GinLogger("/health", "/ready", "/metrics"))
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.SecurityHeaders())
	if cfg.RateLimiter != nil {
		router.Use(middleware.RateLimit(cfg.RateLimiter))
	}
	if cfg.EnableMetrics {
		router.Use(metrics.PrometheusMiddleware())
		router.GET("/metrics", metrics.PrometheusHandler())
	}

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	requireAuth := middleware.RequireAuth(cfg.Validator)
	optionalAuth := middleware.OptionalAuth(cfg.Validator)

	api := router.Group("/api")
	{
		api.GET("/templates", h.ListTemplates)
		api.GET("/auth/providers", h.ListProviders)
		api.GET("/auth/signin/:provider", h.SignIn)
		api.GET("/test-redis", h.TestRedis)
		api.GET("/test-redis-connection", h.TestRedisConnection)

		// Authenticated by the Stripe signature
		api.POST("/webhook", h.HandleWebhook)

		api.GET("/user-subscription", optionalAuth, h.GetUserSubscription)

		protected := api.Group("/", requireAuth)
		{
			protected.POST("/create-checkout-session", h.CreateCheckoutSession)
			protected.GET("/checkout-session/:id", h.VerifyCheckoutSession)
			protected.POST("/billing-portal", h.CreateBillingPortalSession)
			protected.GET("/track-message", h.GetMessageCount)
			protected.POST("/track-message", h.TrackMessage)

			appRoutes := protected.Group("/apps")
			{
				appRoutes.POST("", h.CreateApp)
				appRoutes.GET("", h.ListApps)
				appRoutes.GET("/:id", h.GetApp)
				appRoutes.PATCH("/:id", h.RenameApp)
				appRoutes.DELETE("/:id", h.DeleteApp)
				appRoutes.GET("/:id/messages", h.GetMessages)
				appRoutes.POST("/:id/messages", h.SendMessage)
				appRoutes.GET("/:id/stream", h.StreamApp)
				appRoutes.POST("/:id/stream/stop", h.StopStream)
				appRoutes.POST("/:id/attachments", h.UploadAttachment)
			}
		}
	}

	router.GET("/ws/apps/:id", requireAuth, h.HandleWebSocket)

	return router
}
