// Package renderer provides the HTTP client for the external rendering
// service. The renderer turns diagram text into artifact bytes; everything
// else (caching, retries, validation) lives with the callers.
package renderer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/metric"
)

// Config configures the render client.
type Config struct {
	// BaseURL is the base URL of the rendering service,
	// e.g. "http://kroki:8000".
	BaseURL string

	// Timeout bounds each render request (default: 30s). A timeout is a
	// transport failure, retryable by the caller's policy.
	Timeout time.Duration

	// MaxContentBytes rejects oversized diagram sources before any network
	// call (default: 1MB). Exceeding it is a client error, never retried.
	MaxContentBytes int

	// MaxResponseBytes caps the rendered artifact size (default: 16MB).
	MaxResponseBytes int64

	// RequestsPerSecond rate-limits calls to the renderer; 0 disables
	// limiting.
	RequestsPerSecond float64

	// Logger for request diagnostics (optional, defaults to slog.Default()).
	Logger *slog.Logger
}

// Client calls the rendering service over HTTP. It is stateless and safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxContent int
	maxBytes   int64
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// Option configures optional client behavior.
type Option func(*Client)

// WithMetrics records render counts, durations and sizes through the
// platform metrics registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
	}
}

// NewClient creates a render client from configuration.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "base_url required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "NewClient", "parse base_url")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxContent := cfg.MaxContentBytes
	if maxContent == 0 {
		maxContent = 1 << 20
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes == 0 {
		maxBytes = 16 << 20
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxContent: maxContent,
		maxBytes:   maxBytes,
		limiter:    limiter,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Render posts the diagram source to the rendering service and returns the
// raw artifact bytes.
//
// Wire contract: POST {base}/{kind}/{format} with the content as a
// text/plain body; a 2xx response body is the rendered artifact. Any 5xx,
// timeout, or connection failure is a transport failure; a 4xx response is a
// client error and is not retried.
func (c *Client) Render(ctx context.Context, kind, format, content string) ([]byte, error) {
	if len(content) > c.maxContent {
		return nil, errors.WrapInvalid(errors.ErrContentTooLarge, "Client", "Render",
			fmt.Sprintf("content %d bytes exceeds limit %d", len(content), c.maxContent))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.WrapTransient(err, "Client", "Render", "rate limiter wait")
		}
	}

	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, kind, format)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(content))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Render", "build request")
	}
	req.Header.Set("Content-Type", "text/plain")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.observe(kind, format, "transport_error", duration, 0)
		c.logger.Warn("renderer call failed", "kind", kind, "format", format, "error", err)
		return nil, errors.WrapTransient(errors.ErrRendererUnavailable, "Client", "Render",
			fmt.Sprintf("post %s: %v", endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		c.observe(kind, format, "server_error", duration, 0)
		return nil, errors.WrapTransient(errors.ErrRendererUnavailable, "Client", "Render",
			fmt.Sprintf("renderer returned HTTP %d", resp.StatusCode))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.observe(kind, format, "client_error", duration, 0)
		return nil, errors.WrapInvalid(errors.ErrInvalidResponse, "Client", "Render",
			fmt.Sprintf("renderer rejected request with HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		c.observe(kind, format, "read_error", duration, 0)
		return nil, errors.WrapTransient(err, "Client", "Render", "read response body")
	}
	if int64(len(body)) > c.maxBytes {
		c.observe(kind, format, "oversize", duration, 0)
		return nil, errors.WrapInvalid(errors.ErrInvalidResponse, "Client", "Render",
			fmt.Sprintf("response exceeds %d byte limit", c.maxBytes))
	}
	if len(body) == 0 {
		c.observe(kind, format, "empty", duration, 0)
		return nil, errors.WrapTransient(errors.ErrInvalidResponse, "Client", "Render", "empty response body")
	}

	c.observe(kind, format, "ok", duration, len(body))
	return body, nil
}

func (c *Client) observe(kind, format, status string, duration time.Duration, size int) {
	if c.metrics == nil {
		return
	}
	c.metrics.RendersTotal.WithLabelValues(kind, format, status).Inc()
	c.metrics.RenderDuration.WithLabelValues(format).Observe(duration.Seconds())
	if size > 0 {
		c.metrics.RenderBytes.WithLabelValues(format).Observe(float64(size))
	}
}
