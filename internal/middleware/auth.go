package middleware

import (
	"errors"
	"net/http"
	"net/url"

	"aun-builder/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SignInPath is the web client's sign-in page
const SignInPath = "/handler/sign-in"

// SignInRedirect returns the sign-in URL that brings the user back to returnTo
func SignInRedirect(returnTo string) string {
	return SignInPath + "?after_auth_return_to=" + url.QueryEscape(returnTo)
}

// RequireAuth validates the Supabase access token from the Authorization
// header or the session cookie. Unauthenticated requests get a 401 that
// tells the client where to sign in.
func RequireAuth(validator *auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validator.Validate(auth.TokenFromRequest(c))
		if err != nil {
			code := "INVALID_TOKEN"
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				code = "UNAUTHORIZED"
			case errors.Is(err, jwt.ErrTokenExpired):
				code = "TOKEN_EXPIRED"
			}

			resp := newErrorResponse(c, "Unauthorized", code)
			resp.Redirect = SignInRedirect(c.Request.URL.RequestURI())
			c.AbortWithStatusJSON(http.StatusUnauthorized, resp)
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuth sets the user when a valid token is present and continues otherwise
func OptionalAuth(validator *auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c)
		if token == "" {
			c.Next()
			return
		}

		if claims, err := validator.Validate(token); err == nil {
			setClaims(c, claims)
		}

		c.Next()
	}
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set("user_id", claims.UserID())
	c.Set("email", claims.Email)
	c.Set("token_claims", claims)
	c.Set("authenticated", true)
}

// GetUserID returns the authenticated user's id
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return "", false
	}
	id, ok := userID.(string)
	return id, ok && id != ""
}

// GetClaims returns the validated token claims
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, exists := c.Get("token_claims")
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// GetUserEmail returns the authenticated user's email
func GetUserEmail(c *gin.Context) (string, bool) {
	email, exists := c.Get("email")
	if !exists {
		return "", false
	}
	s, ok := email.(string)
	return s, ok
}

// IsAuthenticated checks if request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return c.GetBool("authenticated")
}
