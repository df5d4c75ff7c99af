package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenCookie is the cookie the web client stores the Supabase session in
const AccessTokenCookie = "sb-access-token"

// Audience of Supabase access tokens for signed-in users
const Audience = "authenticated"

var (
	ErrMissingToken = errors.New("missing access token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the Supabase access token claims used by the server
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the subject, which Supabase sets to the auth user id
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenValidator verifies HS256 Supabase access tokens. During a secret
// rotation tokens signed with the previous secret are still accepted.
type TokenValidator struct {
	secrets [][]byte
	parser  *jwt.Parser
}

// NewTokenValidator creates a validator. oldSecret may be empty.
func NewTokenValidator(secret, oldSecret string) *TokenValidator {
	v := &TokenValidator{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(Audience),
			jwt.WithExpirationRequired(),
		),
	}
	if secret != "" {
		v.secrets = append(v.secrets, []byte(secret))
	}
	if oldSecret != "" {
		v.secrets = append(v.secrets, []byte(oldSecret))
	}
	return v
}

// Validate parses and verifies tokenString
func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	if len(v.secrets) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	var lastErr error
	for _, secret := range v.secrets {
		claims := &Claims{}
		token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err == nil && token.Valid {
			if claims.Subject == "" {
				return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
			}
			return claims, nil
		}
		lastErr = err
		// Only a signature mismatch is worth retrying with the previous secret
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrInvalidToken, lastErr)
}

// TokenFromRequest reads the access token from the Authorization header,
// falling back to the session cookie.
func TokenFromRequest(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token, err := c.Cookie(AccessTokenCookie); err == nil {
		return token
	}
	return ""
}
