// Package freestyle is a REST client for the Freestyle sandbox API: git
// identities, repositories, access tokens and ephemeral dev servers.
package freestyle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aun-builder/internal/metrics"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const DefaultBaseURL = "https://api.freestyle.sh"

// APIError is returned for any non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("freestyle API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// GitIdentity is a sandbox git identity
type GitIdentity struct {
	ID string `json:"id"`
}

// Repository is a created git repository
type Repository struct {
	RepoID string `json:"repoId"`
}

// AccessToken is a git access token issued to an identity
type AccessToken struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// DevServer holds the URLs of a running ephemeral dev server
type DevServer struct {
	EphemeralURL    string `json:"ephemeralUrl"`
	MCPEphemeralURL string `json:"mcpEphemeralUrl"`
	CodeServerURL   string `json:"codeServerUrl"`
	IsNew           bool   `json:"isNew"`
}

// RepoSource tells Freestyle where to clone a new repository from
type RepoSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// CreateRepoRequest is the body of CreateGitRepository
type CreateRepoRequest struct {
	Name   string     `json:"name"`
	Public bool       `json:"public"`
	Source RepoSource `json:"source"`
}

// Client talks to the Freestyle API
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CreateGitIdentity creates a new git identity
func (c *Client) CreateGitIdentity(ctx context.Context) (*GitIdentity, error) {
	var out GitIdentity
	if err := c.do(ctx, "create_identity", http.MethodPost, "/git/v1/identity", struct{}{}, &out); err != nil {
		return nil, errors.Wrap(err, "create git identity")
	}
	if out.ID == "" {
		return nil, errors.New("create git identity: empty identity id")
	}
	return &out, nil
}

// CreateGitRepository creates a repository cloned from req.Source
func (c *Client) CreateGitRepository(ctx context.Context, req CreateRepoRequest) (*Repository, error) {
	var out Repository
	if err := c.do(ctx, "create_repo", http.MethodPost, "/git/v1/repo", req, &out); err != nil {
		return nil, errors.Wrap(err, "create git repository")
	}
	if out.RepoID == "" {
		return nil, errors.New("create git repository: empty repo id")
	}
	return &out, nil
}

// DeleteGitRepository deletes a repository
func (c *Client) DeleteGitRepository(ctx context.Context, repoID string) error {
	path := "/git/v1/repo/" + url.PathEscape(repoID)
	return errors.Wrapf(c.do(ctx, "delete_repo", http.MethodDelete, path, nil, nil), "delete git repository %s", repoID)
}

// GrantGitPermission grants identityID a permission ("read" or "write") on repoID
func (c *Client) GrantGitPermission(ctx context.Context, identityID, repoID, permission string) error {
	path := fmt.Sprintf("/git/v1/identity/%s/permissions/%s", url.PathEscape(identityID), url.PathEscape(repoID))
	body := map[string]string{"permission": permission}
	return errors.Wrapf(c.do(ctx, "grant_permission", http.MethodPost, path, body, nil), "grant %s permission", permission)
}

// CreateGitAccessToken issues a token for identityID
func (c *Client) CreateGitAccessToken(ctx context.Context, identityID string) (*AccessToken, error) {
	var out AccessToken
	path := fmt.Sprintf("/git/v1/identity/%s/tokens", url.PathEscape(identityID))
	if err := c.do(ctx, "create_token", http.MethodPost, path, struct{}{}, &out); err != nil {
		return nil, errors.Wrap(err, "create git access token")
	}
	return &out, nil
}

// RevokeGitAccessToken revokes tokenID of identityID
func (c *Client) RevokeGitAccessToken(ctx context.Context, identityID, tokenID string) error {
	path := fmt.Sprintf("/git/v1/identity/%s/tokens", url.PathEscape(identityID))
	body := map[string]string{"tokenId": tokenID}
	return errors.Wrap(c.do(ctx, "revoke_token", http.MethodDelete, path, body, nil), "revoke git access token")
}

// RequestDevServer starts, or returns the already running, dev server for repoID
func (c *Client) RequestDevServer(ctx context.Context, repoID string) (*DevServer, error) {
	var out DevServer
	body := map[string]string{"repoId": repoID}
	if err := c.do(ctx, "request_dev_server", http.MethodPost, "/ephemeral/v1/dev-servers", body, &out); err != nil {
		return nil, errors.Wrap(err, "request dev server")
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() { metrics.RecordUpstreamCall("freestyle", op, err, time.Since(start)) }()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode response")
}

// errorMessage pulls a human readable message out of an error body
func errorMessage(body []byte, fallback string) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error.message", "error"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
		return s
	}
	return fallback
}
