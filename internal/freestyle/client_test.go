package freestyle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]interface{}
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *recorded)) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.EscapedPath(), auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		calls = append(calls, rec)
		handler(w, &rec)
	}))
	t.Cleanup(srv.Close)
	return NewClient("fs-key", srv.URL+"/"), &calls
}

func TestCreateGitIdentity(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *recorded) {
		_, _ = w.Write([]byte(`{"id":"ident-1"}`))
	})

	id, err := c.CreateGitIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ident-1", id.ID)

	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPost, (*calls)[0].method)
	assert.Equal(t, "/git/v1/identity", (*calls)[0].path)
	assert.Equal(t, "Bearer fs-key", (*calls)[0].auth)
}

func TestCreateGitRepositorySendsSource(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *recorded) {
		_, _ = w.Write([]byte(`{"repoId":"repo-9"}`))
	})

	repo, err := c.CreateGitRepository(context.Background(), CreateRepoRequest{
		Name:   "Unnamed App",
		Public: true,
		Source: RepoSource{Type: "git", URL: "https://github.com/example/nextjs"},
	})
	require.NoError(t, err)
	assert.Equal(t, "repo-9", repo.RepoID)

	body := (*calls)[0].body
	assert.Equal(t, "Unnamed App", body["name"])
	assert.Equal(t, true, body["public"])
	assert.Equal(t, map[string]interface{}{"type": "git", "url": "https://github.com/example/nextjs"}, body["source"])
}

func TestTokenAndPermissionPaths(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *recorded) {
		if r.path == "/git/v1/identity/ident-1/tokens" && r.method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id":"tok-1","token":"secret"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, c.GrantGitPermission(ctx, "ident-1", "repo-9", "write"))
	tok, err := c.CreateGitAccessToken(ctx, "ident-1")
	require.NoError(t, err)
	assert.Equal(t, AccessToken{ID: "tok-1", Token: "secret"}, *tok)
	require.NoError(t, c.RevokeGitAccessToken(ctx, "ident-1", "tok-1"))
	require.NoError(t, c.DeleteGitRepository(ctx, "repo-9"))

	require.Len(t, *calls, 4)
	assert.Equal(t, "/git/v1/identity/ident-1/permissions/repo-9", (*calls)[0].path)
	assert.Equal(t, "write", (*calls)[0].body["permission"])
	assert.Equal(t, http.MethodDelete, (*calls)[2].method)
	assert.Equal(t, "tok-1", (*calls)[2].body["tokenId"])
	assert.Equal(t, "/git/v1/repo/repo-9", (*calls)[3].path)
}

func TestRequestDevServer(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *recorded) {
		assert.Equal(t, "repo-9", r.body["repoId"])
		_, _ = w.Write([]byte(`{"ephemeralUrl":"https://e.dev","mcpEphemeralUrl":"https://e.dev/mcp","codeServerUrl":"https://e.dev/code","isNew":true}`))
	})

	ds, err := c.RequestDevServer(context.Background(), "repo-9")
	require.NoError(t, err)
	assert.Equal(t, "https://e.dev", ds.EphemeralURL)
	assert.Equal(t, "https://e.dev/mcp", ds.MCPEphemeralURL)
	assert.Equal(t, "https://e.dev/code", ds.CodeServerURL)
	assert.True(t, ds.IsNew)
}

func TestAPIErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"message field", http.StatusBadRequest, `{"message":"bad repo"}`, "bad repo"},
		{"nested error", http.StatusForbidden, `{"error":{"message":"no access"}}`, "no access"},
		{"error string", http.StatusConflict, `{"error":"exists"}`, "exists"},
		{"plain text", http.StatusBadGateway, `upstream down`, "upstream down"},
		{"empty body", http.StatusNotFound, ``, "404 Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestServer(t, func(w http.ResponseWriter, r *recorded) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.CreateGitIdentity(context.Background())
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
		})
	}
}

func TestIsNotFound(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *recorded) {
		w.WriteHeader(http.StatusNotFound)
	})
	err := c.DeleteGitRepository(context.Background(), "gone")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(nil))
}
