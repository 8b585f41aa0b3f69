package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/metric"
	"github.com/c360/renderflow/pkg/buffer"
	"github.com/c360/renderflow/pkg/retry"
)

const (
	defaultUserAgent   = "renderflow-webhook/1.0"
	defaultHistorySize = 256
)

// Config controls webhook delivery behavior
type Config struct {
	// Secret signs every payload. Required.
	Secret string

	// Timeout bounds each individual HTTP attempt
	Timeout time.Duration

	// Schedule is the delay ladder between attempts
	Schedule retry.Schedule

	// MaxAttempts bounds total attempts per delivery. Defaults to one
	// more than the schedule length.
	MaxAttempts int

	// AllowPrivateDestinations disables address screening, for
	// development receivers on localhost
	AllowPrivateDestinations bool

	// HistorySize bounds the in-memory record of recent outcomes
	HistorySize int

	UserAgent string
}

// DeliveryOutcome reports how a delivery went. Delivery failure is an
// outcome, not an error; only misuse returns errors from Deliver.
type DeliveryOutcome struct {
	Delivered    bool        `json:"delivered"`
	Attempts     int         `json:"attempts"`
	LastStatus   int         `json:"lastStatus,omitempty"`
	RequestID    string      `json:"requestId"`
	AttemptTimes []time.Time `json:"attemptTimes"`
	Error        string      `json:"error,omitempty"`
}

// Deliverer posts signed event payloads to subscriber endpoints with a
// fixed escalation schedule between attempts.
type Deliverer struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metric.Metrics
	history    *buffer.Ring[DeliveryOutcome]

	delivered int64
	failed    int64
}

// Option configures the Deliverer
type Option func(*Deliverer)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deliverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics wires delivery counters into the shared metrics set
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Deliverer) { d.metrics = m }
}

// WithHTTPClient replaces the HTTP client, for tests
func WithHTTPClient(client *http.Client) Option {
	return func(d *Deliverer) { d.httpClient = client }
}

// New creates a Deliverer
func New(cfg Config, opts ...Option) (*Deliverer, error) {
	if cfg.Secret == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Deliverer", "New", "webhook secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = retry.DefaultSchedule()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = len(cfg.Schedule) + 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	d := &Deliverer{
		cfg:     cfg,
		logger:  slog.Default(),
		history: buffer.NewRing[DeliveryOutcome](cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		}
		if !cfg.AllowPrivateDestinations {
			// Screens the resolved address too, so a hostname cannot
			// smuggle a blocked IP past ValidateDestination
			dialer := &net.Dialer{
				Timeout: cfg.Timeout,
				Control: func(_, address string, _ syscall.RawConn) error {
					host, _, err := net.SplitHostPort(address)
					if err != nil {
						return err
					}
					ip := net.ParseIP(host)
					if ip == nil {
						return errors.WrapInvalid(errors.ErrInvalidDestination,
							"Deliverer", "dial", fmt.Sprintf("unparseable address %q", address))
					}
					return screenIP(ip)
				},
			}
			transport.DialContext = dialer.DialContext
		}
		d.httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		}
	}

	return d, nil
}

// Deliver posts the payload to destURL, retrying on transient failures
// per the escalation schedule. The returned outcome is complete even
// when delivery ultimately fails. A fresh request id is minted per call;
// callers redelivering the same logical event should use DeliverAs so
// the receiver can deduplicate.
func (d *Deliverer) Deliver(ctx context.Context, destURL, eventType string, payload []byte) DeliveryOutcome {
	return d.DeliverAs(ctx, uuid.NewString(), destURL, eventType, payload)
}

// DeliverAs is Deliver with a caller-chosen request id. Every attempt,
// including attempts from later redeliveries of the same event, presents
// the same X-Request-ID.
func (d *Deliverer) DeliverAs(ctx context.Context, requestID, destURL, eventType string, payload []byte) DeliveryOutcome {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	outcome := DeliveryOutcome{RequestID: requestID}

	if err := ValidateDestination(destURL, d.cfg.AllowPrivateDestinations); err != nil {
		outcome.Error = err.Error()
		d.record(outcome, time.Duration(0))
		return outcome
	}

	signature := Sign(payload, d.cfg.Secret)
	start := time.Now()

	err := retry.DoSchedule(ctx, d.cfg.Schedule, d.cfg.MaxAttempts, func(attempt int) error {
		outcome.Attempts = attempt
		outcome.AttemptTimes = append(outcome.AttemptTimes, time.Now())
		if d.metrics != nil {
			d.metrics.WebhookAttempts.Inc()
		}

		status, attemptErr := d.attempt(ctx, destURL, eventType, requestID, signature, payload)
		outcome.LastStatus = status
		if attemptErr != nil {
			d.logger.Debug("webhook attempt failed",
				"request_id", requestID,
				"url", destURL,
				"attempt", attempt,
				"status", status,
				"error", attemptErr)
		}
		return attemptErr
	})

	elapsed := time.Since(start)

	if err != nil {
		outcome.Error = err.Error()
		atomic.AddInt64(&d.failed, 1)
		d.logger.Warn("webhook delivery failed",
			"request_id", requestID,
			"url", destURL,
			"event", eventType,
			"attempts", outcome.Attempts,
			"last_status", outcome.LastStatus,
			"error", err)
	} else {
		outcome.Delivered = true
		atomic.AddInt64(&d.delivered, 1)
		d.logger.Info("webhook delivered",
			"request_id", requestID,
			"url", destURL,
			"event", eventType,
			"attempts", outcome.Attempts)
	}

	d.record(outcome, elapsed)
	return outcome
}

// attempt runs a single HTTP POST and classifies the response
func (d *Deliverer) attempt(ctx context.Context, destURL, eventType, requestID, signature string, payload []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, destURL, bytes.NewReader(payload))
	if err != nil {
		return 0, retry.NonRetryable(errors.WrapInvalid(err, "Deliverer", "attempt", "build request"))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, errors.WrapTransient(err, "Deliverer", "attempt", "post payload")
	}
	defer resp.Body.Close()

	// Drain so the connection is reusable
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return resp.StatusCode, errors.WrapTransient(errors.ErrDeliveryFailed,
			"Deliverer", "attempt", fmt.Sprintf("receiver returned %d", resp.StatusCode))
	default:
		// Remaining 4xx responses will not improve with retries
		return resp.StatusCode, retry.NonRetryable(errors.WrapInvalid(errors.ErrDeliveryFailed,
			"Deliverer", "attempt", fmt.Sprintf("receiver rejected delivery with %d", resp.StatusCode)))
	}
}

func (d *Deliverer) record(outcome DeliveryOutcome, elapsed time.Duration) {
	d.history.Append(outcome)
	if d.metrics == nil {
		return
	}
	status := "failed"
	if outcome.Delivered {
		status = "delivered"
	}
	d.metrics.WebhookDeliveries.WithLabelValues(status).Inc()
	if elapsed > 0 {
		d.metrics.WebhookDuration.Observe(elapsed.Seconds())
	}
}

// Stats reports lifetime delivery counters
func (d *Deliverer) Stats() (delivered, failed int64) {
	return atomic.LoadInt64(&d.delivered), atomic.LoadInt64(&d.failed)
}

// Recent returns the most recent delivery outcomes, oldest first
func (d *Deliverer) Recent() []DeliveryOutcome {
	return d.history.Snapshot()
}
