package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type s3Request struct {
	method      string
	path        string
	contentType string
	body        string
}

func fakeS3(t *testing.T) (string, *[]s3Request) {
	t.Helper()
	var mu sync.Mutex
	var requests []s3Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, s3Request{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        string(data),
		})
		mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL, &requests
}

func TestS3StoreUploadAndDelete(t *testing.T) {
	endpoint, requests := fakeS3(t)
	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "attachments",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		PublicURL:       "https://cdn.test/",
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)

	url, err := store.Upload(context.Background(), "apps/app-1/a.png", "image/png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/apps/app-1/a.png", url)

	require.NoError(t, store.Delete(context.Background(), "apps/app-1/a.png"))

	require.Len(t, *requests, 2)
	put := (*requests)[0]
	assert.Equal(t, http.MethodPut, put.method)
	assert.Equal(t, "/attachments/apps/app-1/a.png", put.path)
	assert.Equal(t, "image/png", put.contentType)
	assert.Equal(t, http.MethodDelete, (*requests)[1].method)
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
