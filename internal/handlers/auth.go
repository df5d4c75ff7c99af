package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"aun-builder/internal/auth"

	"github.com/gin-gonic/gin"
)

// ListProviders returns the sign-in providers and their setup state
// GET /api/auth/providers
func (h *Handler) ListProviders(c *gin.Context) {
	providers := h.Providers.List()
	out := make([]gin.H, 0, len(providers))
	for _, p := range providers {
		out = append(out, gin.H{
			"id":       p.ID,
			"name":     p.Name,
			"enabled":  p.Enabled,
			"setupUrl": p.SetupURL,
			"message":  h.Providers.SetupMessage(p.ID),
		})
	}
	respondOK(c, http.StatusOK, out)
}

// SignIn starts the OAuth flow for a provider. The PKCE verifier is kept in
// a short-lived cookie for the callback.
// GET /api/auth/signin/:provider?return_to=
func (h *Handler) SignIn(c *gin.Context) {
	returnTo := c.Query("return_to")
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		returnTo = "/"
	}

	state, err := randomState()
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternalError, "Failed to start sign-in")
		return
	}

	signIn, err := h.OAuth.SignIn(c.Param("provider"), h.callbackURL(returnTo), state)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	auth.SetCookie(c, signIn.Verifier, auth.VerifierCookieConfig())
	if c.Query("redirect") == "false" {
		respondOK(c, http.StatusOK, gin.H{"url": signIn.URL})
		return
	}
	c.Redirect(http.StatusFound, signIn.URL)
}

// callbackURL is the web client's OAuth callback page
func (h *Handler) callbackURL(returnTo string) string {
	return h.BaseURL + "/auth/callback?next=" + url.QueryEscape(returnTo)
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
