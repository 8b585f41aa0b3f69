package renderer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/renderflow/errors"
)

func TestClient_RenderSuccess(t *testing.T) {
	var gotPath, gotContentType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<svg xmlns=\"http://www.w3.org/2000/svg\"/>"))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	data, err := client.Render(context.Background(), "flowchart", "svg", "graph TD; A-->B")
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")
	assert.Equal(t, "/flowchart/svg", gotPath)
	assert.Equal(t, "text/plain", gotContentType)
	assert.Equal(t, "graph TD; A-->B", gotBody)
}

func TestClient_RenderServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Render(context.Background(), "flowchart", "svg", "graph TD; A-->B")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestClient_RenderBadRequestIsInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "syntax error", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Render(context.Background(), "flowchart", "svg", "not a diagram")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, errors.IsTransient(err))
}

func TestClient_RenderConnectionRefusedIsTransient(t *testing.T) {
	// Port from a server that is already closed
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewClient(Config{BaseURL: url})
	require.NoError(t, err)

	_, err = client.Render(context.Background(), "flowchart", "svg", "graph TD; A-->B")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestClient_RenderTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.Render(context.Background(), "flowchart", "svg", "graph TD; A-->B")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestClient_OversizedContentRejected(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://localhost:1", MaxContentBytes: 10})
	require.NoError(t, err)

	// Rejected before any network call
	_, err = client.Render(context.Background(), "flowchart", "svg", strings.Repeat("x", 11))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_OversizedResponseRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 128))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, MaxResponseBytes: 64})
	require.NoError(t, err)

	_, err = client.Render(context.Background(), "flowchart", "png", "graph TD; A-->B")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_EmptyResponseIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Render(context.Background(), "flowchart", "svg", "graph TD; A-->B")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err) || errors.IsInvalid(err))
}
