// Package logging provides structured logging for the app builder.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
)

// Init builds the global logger from ENVIRONMENT and LOG_LEVEL. Only the
// first call has an effect.
func Init() {
	once.Do(func() {
		l, err := build(os.Getenv("ENVIRONMENT") == "production", os.Getenv("LOG_LEVEL"))
		if err != nil {
			l = zap.NewNop()
		}
		logger, sugar = l, l.Sugar()
	})
}

// build returns a JSON logger for production and a colored console logger
// otherwise. An unparsable level keeps the config default.
func build(production bool, level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if production {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil && level != "" {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// L returns the global structured logger
func L() *zap.Logger {
	Init()
	return logger
}

// S returns the global sugared logger (printf-style)
func S() *zap.SugaredLogger {
	Init()
	return sugar
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithContext returns a logger with additional structured fields
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// WithRequest returns a logger tagged with the request id and, when
// authenticated, the user id of the current gin request.
func WithRequest(c *gin.Context) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if id, ok := c.Get("request_id"); ok {
		fields = append(fields, zap.Any("request_id", id))
	}
	if uid, ok := c.Get("user_id"); ok {
		fields = append(fields, zap.Any("user_id", uid))
	}
	return L().With(fields...)
}

// GinLogger logs one line per request. Paths in skip are not logged.
func GinLogger(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if _, ok := skipped[c.Request.URL.Path]; ok {
			return
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}

		log := WithRequest(c)
		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
