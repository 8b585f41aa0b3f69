package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/renderflow/config"
	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/format"
	"github.com/c360/renderflow/pipeline"
	"github.com/c360/renderflow/webhook"
)

// fakeRenderServer answers POST /{kind}/{format} with bytes that pass
// signature validation for the requested format.
func fakeRenderServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 2 {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		switch format.Format(parts[1]) {
		case format.SVG:
			_, _ = w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`))
		case format.PNG:
			_, _ = w.Write([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00})
		case format.PDF:
			_, _ = w.Write([]byte("%PDF-1.7 fake"))
		case format.JPEG:
			_, _ = w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00})
		default:
			http.Error(w, "unsupported", http.StatusBadRequest)
		}
	}))
}

func testConfig(rendererURL string) *config.Config {
	cfg := config.Default()
	cfg.Renderer.BaseURL = rendererURL
	cfg.Cache.Backend = config.CacheBackendMemory
	cfg.Cache.CleanupInterval = 50 * time.Millisecond
	cfg.Webhook.Secret = "test-secret"
	cfg.Webhook.MaxAttempts = 1
	cfg.Webhook.Timeout = time.Second
	cfg.Webhook.AllowPrivateDestinations = true
	cfg.Metrics.Enabled = false
	cfg.NATS.Enabled = false
	for name, qc := range cfg.Pipeline.Queues {
		qc.Concurrency = 1
		qc.BackoffBase = 5 * time.Millisecond
		qc.BackoffCap = 20 * time.Millisecond
		cfg.Pipeline.Queues[name] = qc
	}
	cfg.Pipeline.JanitorInterval = 50 * time.Millisecond
	cfg.Pipeline.SweepInterval = 100 * time.Millisecond
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, app.Initialize(context.Background()))
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		_ = app.Stop(5 * time.Second)
	})
	return app
}

func waitTerminal(t *testing.T, app *App, queue pipeline.Queue, id string) pipeline.JobView {
	t.Helper()
	var view pipeline.JobView
	require.Eventually(t, func() bool {
		v, err := app.Pipeline().Status(context.Background(), queue, id)
		if err != nil {
			return false
		}
		view = v
		return v.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestAppLifecycle(t *testing.T) {
	server := fakeRenderServer(t)
	defer server.Close()

	app := startApp(t, testConfig(server.URL))
	assert.Equal(t, StatusRunning, app.Status())
	assert.True(t, app.Health().Healthy)

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueSingle,
		pipeline.GeneratePayload{Content: "graph TD; A-->B", Kind: format.Flowchart, Format: format.SVG},
		pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueSingle, handle.ID)
	assert.Equal(t, pipeline.StateCompleted, view.State)
	assert.Equal(t, 100, view.Progress)

	result, ok := view.Result.(format.Result)
	require.True(t, ok)
	assert.True(t, result.OK)
	assert.Equal(t, format.SVG, result.Format)
	assert.NotEmpty(t, result.Data)

	require.NoError(t, app.Stop(5*time.Second))
	assert.Equal(t, StatusStopped, app.Status())
}

func TestAppStartBeforeInitialize(t *testing.T) {
	app := NewApp(testConfig("http://localhost:1"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, app.Start(context.Background()))
}

func TestAppDoubleInitialize(t *testing.T) {
	server := fakeRenderServer(t)
	defer server.Close()

	app := NewApp(testConfig(server.URL), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, app.Initialize(context.Background()))
	assert.Error(t, app.Initialize(context.Background()))
}

func TestAppStopWithoutStartIsNoop(t *testing.T) {
	server := fakeRenderServer(t)
	defer server.Close()

	app := NewApp(testConfig(server.URL), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, app.Initialize(context.Background()))
	assert.NoError(t, app.Stop(time.Second))
}

func TestSingleGenerateTransientFailureRetries(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`))
	}))
	defer server.Close()

	app := startApp(t, testConfig(server.URL))

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueSingle,
		pipeline.GeneratePayload{Content: "graph TD; A-->B", Kind: format.Flowchart, Format: format.SVG},
		pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueSingle, handle.ID)
	assert.Equal(t, pipeline.StateCompleted, view.State)
	assert.Equal(t, 2, view.Attempt)
}

func TestSingleGenerateUnsupportedFormatRejectedAtSubmit(t *testing.T) {
	server := fakeRenderServer(t)
	defer server.Close()

	app := startApp(t, testConfig(server.URL))

	// Pie charts have no PDF rendering path; the job never enqueues.
	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueSingle,
		pipeline.GeneratePayload{Content: "pie", Kind: format.Pie, Format: format.PDF},
		pipeline.SubmitOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Nil(t, handle)
}

func TestSingleGenerateInvalidFailsWithoutRetry(t *testing.T) {
	server := fakeRenderServer(t)
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Renderer.MaxContentBytes = 8
	app := startApp(t, cfg)

	// Passes payload validation but trips the renderer's size ceiling,
	// which is a client error and burns no retries
	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueSingle,
		pipeline.GeneratePayload{Content: "graph TD; A-->B-->C-->D", Kind: format.Flowchart, Format: format.SVG},
		pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueSingle, handle.ID)
	assert.Equal(t, pipeline.StateFailed, view.State)
	assert.Equal(t, 1, view.Attempt)
	assert.Contains(t, view.Error, "size limit")
}

func TestBatchPartialFailureCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/png") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`))
	}))
	defer server.Close()

	app := startApp(t, testConfig(server.URL))

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueBatch,
		pipeline.BatchPayload{
			Content: "mindmap",
			Kind:    format.Mindmap,
			Formats: []format.Format{format.SVG, format.PNG},
		}, pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueBatch, handle.ID)
	assert.Equal(t, pipeline.StateCompleted, view.State)

	batch, ok := view.Result.(format.BatchResult)
	require.True(t, ok)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
}

func TestBatchAllFailedFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	app := startApp(t, testConfig(server.URL))

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueBatch,
		pipeline.BatchPayload{
			Content: "mindmap",
			Kind:    format.Mindmap,
			Formats: []format.Format{format.SVG, format.PNG},
		}, pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueBatch, handle.ID)
	assert.Equal(t, pipeline.StateFailed, view.State)
	assert.Equal(t, view.MaxAttempts, view.Attempt)
}

func TestWebhookDeliverySigned(t *testing.T) {
	renderSrv := fakeRenderServer(t)
	defer renderSrv.Close()

	received := make(chan *http.Request, 1)
	var body []byte
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer hookSrv.Close()

	app := startApp(t, testConfig(renderSrv.URL))

	payload := pipeline.WebhookPayload{
		URL:       hookSrv.URL,
		EventType: "render.completed",
		Body:      []byte(`{"jobId":"01ABC"}`),
	}
	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueWebhook,
		payload, pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueWebhook, handle.ID)
	assert.Equal(t, pipeline.StateCompleted, view.State)

	select {
	case r := <-received:
		assert.Equal(t, "render.completed", r.Header.Get("X-Webhook-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.True(t, webhook.Verify(body, r.Header.Get("X-Webhook-Signature"), "test-secret"))
	case <-time.After(time.Second):
		t.Fatal("webhook request never arrived")
	}

	outcome, ok := view.Result.(webhook.DeliveryOutcome)
	require.True(t, ok)
	assert.True(t, outcome.Delivered)
}

func TestWebhookDeliveryFailureExhaustsAttempts(t *testing.T) {
	renderSrv := fakeRenderServer(t)
	defer renderSrv.Close()

	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer hookSrv.Close()

	app := startApp(t, testConfig(renderSrv.URL))

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueWebhook,
		pipeline.WebhookPayload{URL: hookSrv.URL, EventType: "render.completed", Body: []byte(`{}`)},
		pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueWebhook, handle.ID)
	assert.Equal(t, pipeline.StateFailed, view.State)
	assert.Equal(t, view.MaxAttempts, view.Attempt)
	assert.Contains(t, view.Error, "attempts exhausted")
}

func TestWebhookBlockedDestinationFailsImmediately(t *testing.T) {
	renderSrv := fakeRenderServer(t)
	defer renderSrv.Close()

	cfg := testConfig(renderSrv.URL)
	cfg.Webhook.AllowPrivateDestinations = false
	app := startApp(t, cfg)

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueWebhook,
		pipeline.WebhookPayload{URL: "http://169.254.169.254/hook", EventType: "render.completed", Body: []byte(`{}`)},
		pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueWebhook, handle.ID)
	assert.Equal(t, pipeline.StateFailed, view.State)
	assert.Equal(t, 1, view.Attempt)
}

func TestCompletionCallbackDelivered(t *testing.T) {
	renderSrv := fakeRenderServer(t)
	defer renderSrv.Close()

	type hookHit struct {
		requestID string
		event     string
		body      []byte
	}
	received := make(chan hookHit, 1)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- hookHit{
			requestID: r.Header.Get("X-Request-ID"),
			event:     r.Header.Get("X-Webhook-Event"),
			body:      body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hookSrv.Close()

	app := startApp(t, testConfig(renderSrv.URL))

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueSingle,
		pipeline.GeneratePayload{
			Content:     "graph TD; A-->B",
			Kind:        format.Flowchart,
			Format:      format.SVG,
			CallbackURL: hookSrv.URL,
		}, pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueSingle, handle.ID)
	assert.Equal(t, pipeline.StateCompleted, view.State)

	select {
	case hit := <-received:
		assert.Equal(t, "render.completed", hit.event)
		assert.Equal(t, handle.ID, hit.requestID)
		assert.Contains(t, string(hit.body), handle.ID)
		assert.Contains(t, string(hit.body), `"state":"completed"`)
	case <-time.After(3 * time.Second):
		t.Fatal("completion callback never arrived")
	}
}

func TestFailureCallbackDeliveredAfterExhaustion(t *testing.T) {
	renderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer renderSrv.Close()

	received := make(chan string, 1)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer hookSrv.Close()

	app := startApp(t, testConfig(renderSrv.URL))

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueSingle,
		pipeline.GeneratePayload{
			Content:     "graph TD; A-->B",
			Kind:        format.Flowchart,
			Format:      format.SVG,
			CallbackURL: hookSrv.URL,
		}, pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueSingle, handle.ID)
	assert.Equal(t, pipeline.StateFailed, view.State)

	select {
	case body := <-received:
		assert.Contains(t, body, `"state":"failed"`)
		assert.Contains(t, body, handle.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("failure callback never arrived")
	}
}

func TestWebhookRequestIDStableAcrossRequeues(t *testing.T) {
	renderSrv := fakeRenderServer(t)
	defer renderSrv.Close()

	var mu sync.Mutex
	var ids []string
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-ID"))
		first := len(ids) == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hookSrv.Close()

	// Inner MaxAttempts is 1 in testConfig, so the second hit on the
	// receiver only happens through a pipeline requeue of the same event
	app := startApp(t, testConfig(renderSrv.URL))

	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueWebhook,
		pipeline.WebhookPayload{URL: hookSrv.URL, EventType: "render.completed", Body: []byte(`{}`)},
		pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueWebhook, handle.ID)
	assert.Equal(t, pipeline.StateCompleted, view.State)
	assert.Equal(t, 2, view.Attempt)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	assert.Equal(t, handle.ID, ids[0])
	assert.Equal(t, ids[0], ids[1])
}

func TestSlowRenderKeepsLease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
		_, _ = w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Pipeline.LeaseTimeout = 60 * time.Millisecond
	cfg.Pipeline.JanitorInterval = 20 * time.Millisecond
	app := startApp(t, cfg)

	// The render outlives the lease several times over; the handler's
	// keep-alive must stop the janitor from reclaiming it
	handle, err := app.Pipeline().Submit(context.Background(), pipeline.QueueSingle,
		pipeline.GeneratePayload{Content: "graph TD; A-->B", Kind: format.Flowchart, Format: format.SVG},
		pipeline.SubmitOptions{})
	require.NoError(t, err)

	view := waitTerminal(t, app, pipeline.QueueSingle, handle.ID)
	assert.Equal(t, pipeline.StateCompleted, view.State)
	assert.Equal(t, 1, view.Attempt)
}
