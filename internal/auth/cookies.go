package auth

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// VerifierCookie carries the PKCE code verifier across the provider redirect
const VerifierCookie = "sb-code-verifier"

const verifierTTL = 10 * time.Minute

// CookieConfig holds httpOnly cookie settings
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	MaxAge   time.Duration
	Secure   bool
	SameSite http.SameSite
}

// VerifierCookieConfig returns the settings for the verifier cookie. It must
// be Lax, a Strict cookie is not sent on the redirect back from the provider.
func VerifierCookieConfig() *CookieConfig {
	return &CookieConfig{
		Name:     VerifierCookie,
		Domain:   os.Getenv("COOKIE_DOMAIN"),
		Path:     "/",
		MaxAge:   verifierTTL,
		Secure:   isProductionEnv(),
		SameSite: http.SameSiteLaxMode,
	}
}

// SetCookie writes an httpOnly cookie holding value
func SetCookie(c *gin.Context, value string, cfg *CookieConfig) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     cfg.Name,
		Value:    value,
		Domain:   cfg.Domain,
		Path:     cfg.Path,
		MaxAge:   int(cfg.MaxAge / time.Second),
		Expires:  time.Now().Add(cfg.MaxAge),
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: cfg.SameSite,
	})
}

func isProductionEnv() bool {
	for _, key := range []string{"GO_ENV", "ENVIRONMENT", "ENV"} {
		switch os.Getenv(key) {
		case "production", "prod":
			return true
		case "":
			continue
		default:
			return false
		}
	}
	return false
}
