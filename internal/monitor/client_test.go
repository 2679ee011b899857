package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/store"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:9191/")
	assert.Equal(t, "http://localhost:9191", client.baseURL)
	assert.NotNil(t, client.client)
}

func TestClient_Report_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/workflows/wf-1", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(controller.Report{State: &workflow.State{
			ID:    "wf-1",
			Phase: workflow.PhaseCode,
		}})
	}))
	defer server.Close()

	rep, err := NewClient(server.URL).Report(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", rep.State.ID)
	assert.Equal(t, workflow.PhaseCode, rep.State.Phase)
}

func TestClient_Report_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Report(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClient_Report_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Report(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 500")
}

func TestClient_Report_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Report(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func TestClient_Report_MissingState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"artifacts":[]}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Report(context.Background(), "wf-1")
	assert.Error(t, err)
}

func TestClient_Report_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(server.URL).Report(ctx, "wf-1")
	assert.Error(t, err)
}
