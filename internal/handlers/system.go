package handlers

import (
	"context"
	"net/http"
	"time"

	"aun-builder/internal/db"
	"aun-builder/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var startTime = time.Now()

// Health reports that the process is up
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"uptime":    time.Since(startTime).String(),
		"timestamp": time.Now().UTC(),
	})
}

// Ready checks the database and, when configured, Redis
// GET /ready
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true

	if h.Database == nil {
		checks["database"] = "not configured"
		ready = false
	} else if err := h.Database.Health(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	switch {
	case h.Redis == nil:
		checks["redis"] = "disabled"
	case h.Redis.Ping(ctx).Err() != nil:
		checks["redis"] = "unreachable"
		ready = false
	default:
		checks["redis"] = "ok"
	}

	if h.Hub != nil {
		checks["websocket_rooms"] = h.Hub.RoomCount()
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

// TestRedis shows which Redis URL the server was configured with
// GET /api/test-redis
func (h *Handler) TestRedis(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"redisUrl":       db.MaskRedisURL(h.RedisURL),
		"redisUrlExists": h.RedisURL != "",
	})
}

// TestRedisConnection writes and reads back a test key
// GET /api/test-redis-connection
func (h *Handler) TestRedisConnection(c *gin.Context) {
	if h.RedisURL == "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "REDIS_URL environment variable is not set",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	client := h.Redis
	if client == nil {
		// The startup connection failed; try again with a one-off client
		opts, err := redis.ParseURL(h.RedisURL)
		if err != nil {
			h.redisFailure(c, err)
			return
		}
		client = redis.NewClient(opts)
		defer client.Close()
	}

	if err := client.Set(ctx, "test-key", "test-value", time.Minute).Err(); err != nil {
		h.redisFailure(c, err)
		return
	}
	value, err := client.Get(ctx, "test-key").Result()
	if err != nil {
		h.redisFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"redisUrl":  db.MaskRedisURL(h.RedisURL),
		"testValue": value,
	})
}

func (h *Handler) redisFailure(c *gin.Context, err error) {
	logging.WithRequest(c).Error("redis connection error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   "Failed to connect to Redis",
		"details": err.Error(),
	})
}
