package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"regexp"
	"strings"

	"aun-builder/internal/logging"

	"go.uber.org/zap"
)

// Environment names
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

const (
	MinJWTSecretLength   = 32
	MinMasterKeyBytes    = 32
	MinDatabaseURLLength = 10
	MinStripeKeyLength   = 20
	MinAPIKeyLength      = 16
)

// SecretRequirement describes one secret read from the environment
type SecretRequirement struct {
	Name        string
	EnvVar      string
	Description string
	// Required secrets must be present in production
	Required  bool
	MinLength int
	Validator func(string) error
}

// SecretsValidationError lists the secrets that failed validation
type SecretsValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *SecretsValidationError) Error() string {
	msg := make([]string, 0, 2)
	if len(e.Missing) > 0 {
		msg = append(msg, "missing secrets: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		msg = append(msg, "invalid secrets: "+strings.Join(e.Invalid, ", "))
	}
	return strings.Join(msg, "; ")
}

// HasErrors reports whether any secret is missing or invalid
func (e *SecretsValidationError) HasErrors() bool {
	return len(e.Missing)+len(e.Invalid) > 0
}

// DefaultSecretRequirements returns the secrets the server depends on
func DefaultSecretRequirements() []SecretRequirement {
	return []SecretRequirement{
		{"Supabase JWT Secret", "SUPABASE_JWT_SECRET", "HS256 secret Supabase signs access tokens with", true, MinJWTSecretLength, validateJWTSecret},
		{"Token Encryption Key", "TOKEN_ENCRYPTION_KEY", "base64 AES-256 key sealing Freestyle access tokens", true, MinMasterKeyBytes, validateMasterKey},
		{"Database URL", "DATABASE_URL", "PostgreSQL connection string", true, MinDatabaseURLLength, validateDatabaseURL},
		{"Freestyle API Key", "FREESTYLE_API_KEY", "git repository and dev server provisioning", true, MinAPIKeyLength, nil},
		{"Anthropic API Key", "ANTHROPIC_API_KEY", "builder agent model access", true, MinAPIKeyLength, nil},
		// Checkout and the billing portal are disabled without these
		{"Stripe Secret Key", "STRIPE_SECRET_KEY", "Stripe API key", false, MinStripeKeyLength, validateStripeKey},
		{"Stripe Webhook Secret", "STRIPE_WEBHOOK_SECRET", "Stripe webhook signing secret", false, MinStripeKeyLength, validateStripeWebhookSecret},
	}
}

// check returns the problems with one secret value, empty when it is fine
func (r SecretRequirement) check(value string) []string {
	var problems []string
	if len(value) < r.MinLength {
		problems = append(problems, fmt.Sprintf("%s: too short (min %d characters)", r.EnvVar, r.MinLength))
	}
	if r.Validator != nil {
		if err := r.Validator(value); err != nil {
			problems = append(problems, r.EnvVar+": "+err.Error())
		}
	}
	return problems
}

// ValidateSecrets checks every requirement against the environment. In
// production missing or invalid secrets make the returned error non-nil and
// callers must stop. Elsewhere they are reported as warnings, except that
// staging still needs every required secret to be set.
func ValidateSecrets() (*SecretsValidationError, error) {
	strict := IsProductionEnvironment()
	result := &SecretsValidationError{}

	for _, req := range DefaultSecretRequirements() {
		value := os.Getenv(req.EnvVar)
		switch {
		case value == "" && !req.Required:
		case value == "" && strict:
			result.Missing = append(result.Missing, req.EnvVar)
		case value == "":
			result.Warnings = append(result.Warnings, req.EnvVar+" not set - features depending on it are disabled")
		case strict:
			result.Invalid = append(result.Invalid, req.check(value)...)
		default:
			for _, p := range req.check(value) {
				result.Warnings = append(result.Warnings, p+" (allowed outside production)")
			}
		}
	}

	if strict && result.HasErrors() {
		return result, result
	}
	if IsStagingEnvironment() {
		var unset []string
		for _, req := range DefaultSecretRequirements() {
			if req.Required && os.Getenv(req.EnvVar) == "" {
				unset = append(unset, req.EnvVar)
			}
		}
		if len(unset) > 0 {
			return result, fmt.Errorf("staging requires every production secret, missing: %s", strings.Join(unset, ", "))
		}
	}
	return result, nil
}

// MustValidateSecrets logs the validation outcome and exits on failure
func MustValidateSecrets() {
	log := logging.L()
	result, err := ValidateSecrets()
	if err != nil {
		log.Fatal("secrets validation failed", zap.Error(err))
	}
	for _, w := range result.Warnings {
		log.Warn("secret configuration", zap.String("warning", w))
	}
}

// GetEnvironment returns the lower-cased environment name from GO_ENV,
// ENVIRONMENT or ENV, defaulting to development
func GetEnvironment() string {
	for _, key := range []string{"GO_ENV", "ENVIRONMENT", "ENV"} {
		if v := os.Getenv(key); v != "" {
			return strings.ToLower(v)
		}
	}
	return EnvDevelopment
}

func IsProductionEnvironment() bool {
	switch GetEnvironment() {
	case EnvProduction, "prod":
		return true
	}
	return false
}

func IsStagingEnvironment() bool {
	switch GetEnvironment() {
	case EnvStaging, "stage":
		return true
	}
	return false
}

var weakJWTFragments = []string{
	"secret", "jwt-secret", "changeme", "password", "example",
	"default", "placeholder", "replace-me", "super-secret-jwt-token",
}

// validateJWTSecret rejects placeholders and secrets that are easy to guess
func validateJWTSecret(secret string) error {
	lower := strings.ToLower(secret)
	for _, weak := range weakJWTFragments {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("contains weak/placeholder value %q", weak)
		}
	}

	if strings.IndexFunc(secret, func(r rune) bool { return r < 'A' || (r > 'Z' && r < 'a') || r > 'z' }) < 0 {
		return errors.New("must contain non-alphabetic characters")
	}
	if strings.IndexFunc(secret, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
		return errors.New("must contain non-numeric characters")
	}
	if e := entropy([]byte(secret)); e < 3.0 {
		return fmt.Errorf("entropy too low (%.1f bits/char, need >= 3.0)", e)
	}
	if repeats(secret) {
		return errors.New("appears to contain a repeating pattern")
	}
	return nil
}

// validateMasterKey requires a base64 encoded random AES-256 key
func validateMasterKey(key string) error {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("must be valid base64: %w", err)
	}
	if len(raw) != MinMasterKeyBytes {
		return fmt.Errorf("must decode to %d bytes, got %d", MinMasterKeyBytes, len(raw))
	}
	if e := entropy(raw); e < 4.0 {
		return fmt.Errorf("key byte entropy too low (%.1f, need >= 4.0)", e)
	}
	return nil
}

var defaultDBPasswords = []string{"password", "postgres", "changeme", "example"}

// validateDatabaseURL requires a postgres URL with a host and a non-default password
func validateDatabaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return errors.New("must be a postgres:// or postgresql:// URL")
	}
	if u.Hostname() == "" {
		return errors.New("must include a hostname")
	}
	if pw, ok := u.User.Password(); ok {
		for _, weak := range defaultDBPasswords {
			if strings.EqualFold(pw, weak) {
				return fmt.Errorf("database password %q is a known default", weak)
			}
		}
	}
	return nil
}

var stripePlaceholder = regexp.MustCompile(`^sk_(live|test)_[xX]+$`)

func validateStripeKey(key string) error {
	if !strings.HasPrefix(key, "sk_live_") && !strings.HasPrefix(key, "sk_test_") {
		return errors.New("must start with sk_live_ or sk_test_")
	}
	if stripePlaceholder.MatchString(key) {
		return errors.New("appears to be a placeholder value")
	}
	return nil
}

func validateStripeWebhookSecret(secret string) error {
	if !strings.HasPrefix(secret, "whsec_") {
		return errors.New("must start with whsec_")
	}
	return nil
}

// entropy is the Shannon entropy of data in bits per byte
func entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	var e float64
	for _, c := range counts {
		if c > 0 {
			p := float64(c) / n
			e -= p * math.Log2(p)
		}
	}
	return e
}

// repeats reports whether s is a shorter prefix repeated, like "abcabc"
func repeats(s string) bool {
	if len(s) < 6 {
		return false
	}
	for period := 1; period <= len(s)/2; period++ {
		if s[period:] == s[:len(s)-period] {
			return true
		}
	}
	return false
}

// GenerateMasterKey returns a new random base64 key for TOKEN_ENCRYPTION_KEY
func GenerateMasterKey() (string, error) {
	b := make([]byte, MinMasterKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
