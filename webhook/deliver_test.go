package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/renderflow/pkg/retry"
)

// fastSchedule keeps retry tests quick
var fastSchedule = retry.Schedule{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}

func newTestDeliverer(t *testing.T, maxAttempts int) *Deliverer {
	t.Helper()
	d, err := New(Config{
		Secret:                   "topsecret",
		Timeout:                  2 * time.Second,
		Schedule:                 fastSchedule,
		MaxAttempts:              maxAttempts,
		AllowPrivateDestinations: true, // httptest listens on loopback
	})
	require.NoError(t, err)
	return d
}

type receivedRequest struct {
	body    []byte
	headers http.Header
}

func TestDeliver_Success(t *testing.T) {
	var mu sync.Mutex
	var reqs []receivedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, receivedRequest{body: body, headers: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDeliverer(t, 4)
	payload := []byte(`{"jobId":"01ABC","state":"completed"}`)

	outcome := d.Deliver(context.Background(), server.URL, "render.completed", payload)

	assert.True(t, outcome.Delivered)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, http.StatusOK, outcome.LastStatus)
	assert.Empty(t, outcome.Error)
	require.Len(t, outcome.AttemptTimes, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reqs, 1)
	got := reqs[0]

	assert.Equal(t, payload, got.body)
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, "render.completed", got.headers.Get("X-Webhook-Event"))
	assert.NotEmpty(t, got.headers.Get("X-Webhook-Timestamp"))
	assert.Equal(t, outcome.RequestID, got.headers.Get("X-Request-ID"))
	_, err := uuid.Parse(outcome.RequestID)
	assert.NoError(t, err)

	// The receiver can verify the signature with the shared secret
	assert.True(t, Verify(got.body, got.headers.Get("X-Webhook-Signature"), "topsecret"))

	recent := d.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, outcome.RequestID, recent[0].RequestID)
}

func TestDeliverAs_StableRequestIDAcrossDeliveries(t *testing.T) {
	var mu sync.Mutex
	var ids []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
	defer server.Close()

	// Single inner attempt, so redelivering the event means a second
	// Deliver call, the way an outer queue retry does it
	d := newTestDeliverer(t, 1)

	first := d.DeliverAs(context.Background(), "01EVENT", server.URL, "render.completed", []byte(`{}`))
	assert.False(t, first.Delivered)
	assert.Equal(t, "01EVENT", first.RequestID)

	second := d.DeliverAs(context.Background(), "01EVENT", server.URL, "render.completed", []byte(`{}`))
	assert.True(t, second.Delivered)
	assert.Equal(t, "01EVENT", second.RequestID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	assert.Equal(t, "01EVENT", ids[0])
	assert.Equal(t, ids[0], ids[1])
}

func TestDeliverAs_EmptyIDFallsBackToFreshID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDeliverer(t, 1)
	outcome := d.DeliverAs(context.Background(), "", server.URL, "render.completed", []byte(`{}`))
	assert.True(t, outcome.Delivered)
	_, err := uuid.Parse(outcome.RequestID)
	assert.NoError(t, err)
}

func TestRecent_KeepsMostRecentOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d, err := New(Config{
		Secret:                   "topsecret",
		Schedule:                 fastSchedule,
		HistorySize:              2,
		AllowPrivateDestinations: true,
	})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		outcome := d.Deliver(context.Background(), server.URL, "render.completed", []byte(`{}`))
		ids = append(ids, outcome.RequestID)
	}

	recent := d.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, ids[1], recent[0].RequestID)
	assert.Equal(t, ids[2], recent[1].RequestID)
}

func TestDeliver_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	var statuses []int
	var requestIDs []string
	responses := []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := len(statuses)
		status := responses[n]
		statuses = append(statuses, status)
		requestIDs = append(requestIDs, r.Header.Get("X-Request-ID"))
		mu.Unlock()
		w.WriteHeader(status)
	}))
	defer server.Close()

	d := newTestDeliverer(t, 4)
	outcome := d.Deliver(context.Background(), server.URL, "render.completed", []byte(`{}`))

	assert.True(t, outcome.Delivered)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, http.StatusOK, outcome.LastStatus)
	assert.Len(t, outcome.AttemptTimes, 3)

	// Every retry carries the same request id for receiver dedup
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requestIDs, 3)
	assert.Equal(t, requestIDs[0], requestIDs[1])
	assert.Equal(t, requestIDs[0], requestIDs[2])
}

func TestDeliver_ClientErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	d := newTestDeliverer(t, 4)
	outcome := d.Deliver(context.Background(), server.URL, "render.completed", []byte(`{}`))

	assert.False(t, outcome.Delivered)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, http.StatusGone, outcome.LastStatus)
	assert.NotEmpty(t, outcome.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestDeliver_TooManyRequestsRetried(t *testing.T) {
	var mu sync.Mutex
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDeliverer(t, 4)
	outcome := d.Deliver(context.Background(), server.URL, "render.completed", []byte(`{}`))

	assert.True(t, outcome.Delivered)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestDeliver_AttemptsExhausted(t *testing.T) {
	var mu sync.Mutex
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := newTestDeliverer(t, 3)
	outcome := d.Deliver(context.Background(), server.URL, "render.completed", []byte(`{}`))

	assert.False(t, outcome.Delivered)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, http.StatusInternalServerError, outcome.LastStatus)
	assert.NotEmpty(t, outcome.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)

	delivered, failed := d.Stats()
	assert.Equal(t, int64(0), delivered)
	assert.Equal(t, int64(1), failed)
}

func TestDeliver_ConnectionRefusedRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	url := server.URL
	server.Close() // nothing listening anymore

	d := newTestDeliverer(t, 2)
	outcome := d.Deliver(context.Background(), url, "render.completed", []byte(`{}`))

	assert.False(t, outcome.Delivered)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 0, outcome.LastStatus)
	assert.NotEmpty(t, outcome.Error)
}

func TestDeliver_BlockedDestinationNoAttempt(t *testing.T) {
	d, err := New(Config{
		Secret:   "topsecret",
		Schedule: fastSchedule,
	})
	require.NoError(t, err)

	outcome := d.Deliver(context.Background(), "http://169.254.169.254/latest/meta-data",
		"render.completed", []byte(`{}`))

	assert.False(t, outcome.Delivered)
	assert.Equal(t, 0, outcome.Attempts)
	assert.NotEmpty(t, outcome.Error)
	assert.NotEmpty(t, outcome.RequestID)
}

func TestDeliver_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d, err := New(Config{
		Secret:                   "topsecret",
		Schedule:                 retry.Schedule{time.Hour},
		MaxAttempts:              2,
		AllowPrivateDestinations: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome := d.Deliver(ctx, server.URL, "render.completed", []byte(`{}`))

	assert.False(t, outcome.Delivered)
	assert.Equal(t, 1, outcome.Attempts, "cancellation interrupts the schedule wait")
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	d, err := New(Config{Secret: "s"})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, d.cfg.Timeout)
	assert.Equal(t, retry.DefaultSchedule(), d.cfg.Schedule)
	assert.Equal(t, len(d.cfg.Schedule)+1, d.cfg.MaxAttempts)
	assert.Equal(t, defaultUserAgent, d.cfg.UserAgent)
}
