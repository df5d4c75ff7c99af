package auth

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/oauth2"
)

// ProviderInfo describes a sign-in provider and whether it is enabled
type ProviderInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	SetupRequired bool   `json:"setupRequired"`
	SetupURL      string `json:"setupUrl,omitempty"`
}

// ProviderRegistry lists the sign-in providers configured in Supabase
type ProviderRegistry struct {
	providers map[string]ProviderInfo
}

// NewProviderRegistry builds the registry. Email is always enabled; the
// OAuth providers are enabled once configured in the Supabase dashboard.
func NewProviderRegistry(githubEnabled, googleEnabled bool) *ProviderRegistry {
	return &ProviderRegistry{providers: map[string]ProviderInfo{
		"github": {
			ID:            "github",
			Name:          "GitHub",
			Enabled:       githubEnabled,
			SetupRequired: true,
			SetupURL:      "https://github.com/settings/applications/new",
		},
		"google": {
			ID:            "google",
			Name:          "Google",
			Enabled:       googleEnabled,
			SetupRequired: true,
			SetupURL:      "https://console.cloud.google.com/apis/credentials",
		},
		"email": {
			ID:      "email",
			Name:    "Email",
			Enabled: true,
		},
	}}
}

// Get returns the provider with id
func (r *ProviderRegistry) Get(id string) (ProviderInfo, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// List returns every provider ordered by id
func (r *ProviderRegistry) List() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetupMessage returns a user-facing explanation of the provider's state
func (r *ProviderRegistry) SetupMessage(id string) string {
	p, ok := r.providers[id]
	if !ok {
		return fmt.Sprintf("Unknown provider: %s", id)
	}
	if p.Enabled {
		return fmt.Sprintf("%s is enabled and ready to use.", p.Name)
	}
	if p.SetupRequired {
		return fmt.Sprintf("%s is not enabled. Please set it up at %s and enable it in your Supabase dashboard.", p.Name, p.SetupURL)
	}
	return fmt.Sprintf("%s is not enabled. Please enable it in your Supabase dashboard.", p.Name)
}

// SignInURL is an authorize URL plus the PKCE verifier the callback needs
type SignInURL struct {
	URL      string
	Verifier string
	State    string
}

// OAuthService builds PKCE sign-in URLs against the Supabase authorize endpoint
type OAuthService struct {
	registry    *ProviderRegistry
	supabaseURL string
	anonKey     string
}

func NewOAuthService(registry *ProviderRegistry, supabaseURL, anonKey string) *OAuthService {
	return &OAuthService{registry: registry, supabaseURL: supabaseURL, anonKey: anonKey}
}

// SignIn returns the URL that starts the OAuth flow for provider. The
// browser returns to redirectTo with an auth code.
func (o *OAuthService) SignIn(provider, redirectTo, state string) (*SignInURL, error) {
	p, ok := o.registry.Get(provider)
	if !ok || !p.Enabled {
		return nil, errors.New(o.registry.SetupMessage(provider))
	}
	if !p.SetupRequired {
		return nil, fmt.Errorf("%s sign-in does not use an OAuth redirect", p.Name)
	}
	if o.supabaseURL == "" {
		return nil, fmt.Errorf("supabase URL is not configured")
	}

	cfg := &oauth2.Config{
		ClientID: o.anonKey,
		Endpoint: oauth2.Endpoint{
			AuthURL:  o.supabaseURL + "/auth/v1/authorize",
			TokenURL: o.supabaseURL + "/auth/v1/token?grant_type=pkce",
		},
		RedirectURL: redirectTo,
	}

	verifier := oauth2.GenerateVerifier()
	url := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("provider", p.ID),
		oauth2.SetAuthURLParam("redirect_to", redirectTo),
	)

	return &SignInURL{URL: url, Verifier: verifier, State: state}, nil
}
