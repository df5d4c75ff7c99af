package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"aun-builder/internal/agents"
	"aun-builder/internal/ai"
	"aun-builder/internal/apps"
	"aun-builder/internal/auth"
	"aun-builder/internal/cache"
	"aun-builder/internal/config"
	"aun-builder/internal/database"
	"aun-builder/internal/db"
	"aun-builder/internal/freestyle"
	"aun-builder/internal/handlers"
	"aun-builder/internal/jobs"
	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"
	"aun-builder/internal/middleware"
	"aun-builder/internal/payments"
	"aun-builder/internal/secrets"
	"aun-builder/internal/storage"
	"aun-builder/internal/stream"
	"aun-builder/internal/subscriptions"
	"aun-builder/internal/templates"
	"aun-builder/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Set with -ldflags at build time
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	log.Info("starting AUN.AI builder API",
		zap.String("version", version),
		zap.String("environment", cfg.Environment))
	metrics.Get().SetBuildInfo(version, commit, buildDate)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Bind the port right away so platform health checks pass while the
	// database and redis connections are still being set up.
	var startupReady atomic.Bool
	var activeRouter atomic.Value

	bootstrapRouter := gin.New()
	bootstrapRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": startupReady.Load()})
	})
	bootstrapRouter.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server starting", "ready": startupReady.Load()})
	})
	activeRouter.Store(bootstrapRouter)

	serverErrors := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	log.Info("bootstrap listener started", zap.String("port", cfg.Port))

	config.MustValidateSecrets()

	if cfg.RunAutoMigrate {
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	store, err := db.NewDatabase(&db.Config{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	// Redis is optional: without it streams and caches stay in process
	var redisClient *db.RedisClient
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = db.NewRedisClient(db.DefaultRedisConfig(cfg.RedisURL))
		if err != nil {
			log.Warn("redis unavailable, using in-memory streams and cache",
				zap.String("redis_url", db.MaskRedisURL(cfg.RedisURL)), zap.Error(err))
		} else {
			rdb = redisClient.Client()
		}
	}

	var broker stream.Broker = stream.NewMemoryBroker(stream.DefaultRetention)
	var redisCache *cache.RedisCache
	if rdb != nil {
		broker = stream.NewRedisBroker(rdb, stream.DefaultRetention)
		redisCache = cache.NewRedisCacheWithClient(cache.NewGoRedisAdapter(rdb), nil)
	} else {
		redisCache = cache.NewRedisCache(nil)
	}

	secretsManager := newSecretsManager(cfg)

	sandbox := freestyle.NewClient(cfg.FreestyleAPIKey, cfg.FreestyleAPIURL)
	validator := auth.NewTokenValidator(cfg.SupabaseJWTSecret, cfg.SupabaseJWTSecretOld)
	providers := auth.NewProviderRegistry(cfg.AuthGitHubEnabled, cfg.AuthGoogleEnabled)

	subs := subscriptions.NewService(store.DB, redisCache)
	stripeService := payments.NewStripeService(payments.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Plans: payments.PlanConfig{
			MonthlyPriceID: cfg.StripeMonthlyPriceID,
			YearlyPriceID:  cfg.StripeYearlyPriceID,
		},
		BaseURL: cfg.BaseURL,
	}, subs)
	if !stripeService.IsConfigured() {
		log.Warn("STRIPE_SECRET_KEY not set - checkout and billing portal are disabled")
	}

	llm := ai.NewClaudeClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	if !llm.IsConfigured() {
		log.Warn("ANTHROPIC_API_KEY not set - agent responses will fail")
	}
	memory := agents.NewMemory(store.DB)
	builder := agents.NewBuilder(llm, memory, agents.MCPToolServers, cfg.AgentMaxSteps)

	streams := stream.NewManager(broker, builder)
	hub := websocket.NewHub(streams, cfg.CORSOrigins, cfg.IsProduction())
	go hub.Run()

	var objects storage.ObjectStore
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(context.Background(), storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PublicURL:       cfg.S3PublicURL,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			log.Warn("attachment storage unavailable", zap.Error(err))
		} else {
			objects = s3Store
		}
	}
	attachments := storage.NewAttachments(store.DB, objects)

	registry := templates.Default()
	appService := apps.NewService(apps.Dependencies{
		DB:            store.DB,
		Sandbox:       sandbox,
		Templates:     registry,
		Subscriptions: subs,
		Secrets:       secretsManager,
		Memory:        memory,
		Streams:       streams,
		Attachments:   attachments,
		Cache:         redisCache,
	})

	scheduler := jobs.NewScheduler()
	if err := scheduler.RegisterDefaults(subs, metrics.NewBusinessMetricsCollector(store.DB)); err != nil {
		log.Fatal("failed to register background jobs", zap.Error(err))
	}
	scheduler.Start()

	limiter := middleware.NewIPRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	defer limiter.Stop()

	h := &handlers.Handler{
		Auth:          auth.NewService(store.DB, validator, sandbox),
		Providers:     providers,
		OAuth:         auth.NewOAuthService(providers, cfg.SupabaseURL, cfg.SupabaseAnonKey),
		Apps:          appService,
		Subscriptions: subs,
		Payments:      stripeService,
		Streams:       streams,
		Hub:           hub,
		Attachments:   attachments,
		Templates:     registry,
		BaseURL:       cfg.BaseURL,
		Database:      store,
		Redis:         rdb,
		RedisURL:      cfg.RedisURL,
	}

	activeRouter.Store(handlers.NewRouter(h, handlers.RouterConfig{
		Validator:     validator,
		CORSOrigins:   cfg.CORSOrigins,
		RateLimiter:   limiter,
		EnableMetrics: true,
	}))
	startupReady.Store(true)

	log.Info("server ready",
		zap.String("port", cfg.Port),
		zap.Bool("redis", rdb != nil),
		zap.Bool("attachments", attachments.Available()),
		zap.Int("templates", len(registry.IDs())))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("failed to start server", zap.Error(err))
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streams go first: they record their final chunk while the broker is up,
	// and the SSE and websocket connections following them end, which the
	// HTTP server would otherwise wait on until the deadline.
	if err := streams.Shutdown(ctx); err != nil {
		log.Warn("stream manager shutdown", zap.Error(err))
	}
	hub.Shutdown()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if err := scheduler.Stop(ctx); err != nil {
		log.Warn("scheduler shutdown", zap.Error(err))
	}
	if err := redisCache.Close(); err != nil {
		log.Warn("cache close", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		log.Warn("database close", zap.Error(err))
	}

	log.Info("shutdown complete")
}

// newSecretsManager builds the token encryption manager. Outside production a
// missing key is replaced by an ephemeral one; stored tokens then do not
// survive a restart.
func newSecretsManager(cfg *config.Config) *secrets.Manager {
	log := logging.L()
	key := cfg.TokenEncryptionKey
	if key == "" {
		if cfg.IsProduction() {
			log.Fatal("TOKEN_ENCRYPTION_KEY is required in production")
		}
		generated, err := config.GenerateMasterKey()
		if err != nil {
			log.Fatal("failed to generate ephemeral token key", zap.Error(err))
		}
		key = generated
		log.Warn("using an ephemeral TOKEN_ENCRYPTION_KEY - stored git tokens will not survive a restart")
	}

	mgr, err := secrets.NewManager(key)
	if err != nil {
		log.Fatal("invalid TOKEN_ENCRYPTION_KEY", zap.Error(err))
	}
	log.Info("token encryption ready", zap.String("key_fingerprint", mgr.Fingerprint()))
	return mgr
}
