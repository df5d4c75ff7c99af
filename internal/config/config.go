package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of the server, read from the environment.
type Config struct {
	Environment   string
	Port          string
	BaseURL       string
	PreviewDomain string

	DatabaseURL     string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBConnLifetime  time.Duration
	RunAutoMigrate  bool
	RedisURL        string
	CORSOrigins     []string
	RateLimitPerMin int
	RateLimitBurst  int

	SupabaseURL          string
	SupabaseAnonKey      string
	SupabaseJWTSecret    string
	SupabaseJWTSecretOld string
	AuthGitHubEnabled    bool
	AuthGoogleEnabled    bool

	FreestyleAPIURL string
	FreestyleAPIKey string

	AnthropicAPIKey string
	AnthropicModel  string
	AgentMaxSteps   int

	StripeSecretKey      string
	StripeWebhookSecret  string
	StripeMonthlyPriceID string
	StripeYearlyPriceID  string

	TokenEncryptionKey string

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3PublicURL       string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Load reads .env (when present) and builds a Config from the environment.
func Load() *Config {
	// Missing .env is normal outside local development
	_ = godotenv.Load()

	return &Config{
		Environment:   GetEnvironment(),
		Port:          getEnv("PORT", "8080"),
		BaseURL:       strings.TrimRight(getEnvAny("http://localhost:3000", "BASE_URL", "NEXT_PUBLIC_BASE_URL"), "/"),
		PreviewDomain: getEnv("PREVIEW_DOMAIN", "localhost:3000"),

		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnLifetime:  time.Duration(getEnvInt("DB_CONN_LIFETIME_MINUTES", 60)) * time.Minute,
		RunAutoMigrate:  getEnvBool("DB_AUTO_MIGRATE", true),
		RedisURL:        getEnvAny("", "REDIS_URL", "KV_URL"),
		CORSOrigins:     splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 50),

		SupabaseURL:          strings.TrimRight(getEnvAny("", "SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL"), "/"),
		SupabaseAnonKey:      getEnvAny("", "SUPABASE_ANON_KEY", "NEXT_PUBLIC_SUPABASE_ANON_KEY"),
		SupabaseJWTSecret:    os.Getenv("SUPABASE_JWT_SECRET"),
		SupabaseJWTSecretOld: os.Getenv("SUPABASE_JWT_SECRET_OLD"),
		AuthGitHubEnabled:    getEnvBool("AUTH_GITHUB_ENABLED", false),
		AuthGoogleEnabled:    getEnvBool("AUTH_GOOGLE_ENABLED", false),

		FreestyleAPIURL: getEnv("FREESTYLE_API_URL", "https://api.freestyle.sh"),
		FreestyleAPIKey: os.Getenv("FREESTYLE_API_KEY"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		AgentMaxSteps:   getEnvInt("AGENT_MAX_STEPS", 25),

		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeMonthlyPriceID: os.Getenv("STRIPE_MONTHLY_PRICE_ID"),
		StripeYearlyPriceID:  os.Getenv("STRIPE_YEARLY_PRICE_ID"),

		TokenEncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),

		S3Bucket:          os.Getenv("ATTACHMENTS_S3_BUCKET"),
		S3Region:          getEnv("ATTACHMENTS_S3_REGION", "us-east-1"),
		S3Endpoint:        os.Getenv("ATTACHMENTS_S3_ENDPOINT"),
		S3PublicURL:       strings.TrimRight(os.Getenv("ATTACHMENTS_PUBLIC_URL"), "/"),
		S3AccessKeyID:     os.Getenv("ATTACHMENTS_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("ATTACHMENTS_S3_SECRET_ACCESS_KEY"),
	}
}

// IsProduction reports whether the config was loaded in a production environment
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction || c.Environment == "prod"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAny returns the first non-empty value among keys, or defaultValue
func getEnvAny(defaultValue string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
