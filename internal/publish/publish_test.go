package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patchflow/internal/config"
)

func newTestPublisher(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewGitHubClient(context.Background(), config.Secret("test-token"), srv.URL)
	require.NoError(t, err)
	g := NewGitHub(client, config.PublishConfig{Owner: "acme", Repo: "app", Base: "main"}, nil)
	g.retry = &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	return g
}

func TestGitHub_CreatesPullRequest(t *testing.T) {
	var created map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "acme:patchflow/work", r.URL.Query().Get("head"))
			_, _ = w.Write([]byte(`[]`))
		case http.MethodPost:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number": 12, "html_url": "https://github.com/acme/app/pull/12"}`))
		}
	})
	g := newTestPublisher(t, mux)

	res, err := g.Publish(context.Background(), Request{Head: "patchflow/work", Title: "Add retries", Body: "body"})
	require.NoError(t, err)
	assert.Equal(t, Result{Number: 12, URL: "https://github.com/acme/app/pull/12"}, res)
	assert.Equal(t, "patchflow/work", created["head"])
	assert.Equal(t, "main", created["base"])
	assert.Equal(t, "Add retries", created["title"])
}

func TestGitHub_UpdatesExistingPullRequest(t *testing.T) {
	var edited int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method, "must not create a duplicate")
		_, _ = w.Write([]byte(`[{"number": 7, "html_url": "https://github.com/acme/app/pull/7"}]`))
	})
	mux.HandleFunc("/repos/acme/app/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		atomic.AddInt32(&edited, 1)
		_, _ = w.Write([]byte(`{"number": 7, "html_url": "https://github.com/acme/app/pull/7"}`))
	})
	g := newTestPublisher(t, mux)

	res, err := g.Publish(context.Background(), Request{Head: "patchflow/work", Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, 7, res.Number)
	assert.Equal(t, int32(1), atomic.LoadInt32(&edited))
}

func TestGitHub_RetriesServerErrors(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 3}`))
	})
	g := newTestPublisher(t, mux)

	res, err := g.Publish(context.Background(), Request{Head: "h", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Number)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGitHub_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	})
	g := newTestPublisher(t, mux)

	_, err := g.Publish(context.Background(), Request{Head: "h", Title: "t"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNewGitHubClient_RequiresToken(t *testing.T) {
	_, err := NewGitHubClient(context.Background(), config.Secret(""), "")
	assert.Error(t, err)
}
