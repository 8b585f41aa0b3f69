package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Job pipeline metrics
	JobsSubmitted   *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobsRetried     *prometheus.CounterVec
	JobsActive      *prometheus.GaugeVec
	JobsWaiting     *prometheus.GaugeVec
	JobDuration     *prometheus.HistogramVec
	JobStalls       *prometheus.CounterVec

	// Render metrics
	RendersTotal   *prometheus.CounterVec
	RenderDuration *prometheus.HistogramVec
	RenderBytes    *prometheus.HistogramVec

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheSets   prometheus.Counter
	CacheErrors prometheus.Counter

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
	WebhookAttempts   prometheus.Counter
	WebhookDuration   prometheus.Histogram

	// Errors
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "jobs",
				Name:      "submitted_total",
				Help:      "Total number of jobs submitted per queue",
			},
			[]string{"queue"},
		),

		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "jobs",
				Name:      "completed_total",
				Help:      "Total number of jobs reaching a terminal state",
			},
			[]string{"queue", "status"},
		),

		JobsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "jobs",
				Name:      "retried_total",
				Help:      "Total number of job retry requeues",
			},
			[]string{"queue"},
		),

		JobsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "renderflow",
				Subsystem: "jobs",
				Name:      "active",
				Help:      "Number of jobs currently being processed",
			},
			[]string{"queue"},
		),

		JobsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "renderflow",
				Subsystem: "jobs",
				Name:      "waiting",
				Help:      "Number of jobs waiting in queue",
			},
			[]string{"queue"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "renderflow",
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Job processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue", "status"},
		),

		JobStalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "jobs",
				Name:      "stalls_total",
				Help:      "Total number of jobs requeued after a lost worker heartbeat",
			},
			[]string{"queue"},
		),

		RendersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "render",
				Name:      "total",
				Help:      "Total number of renderer calls",
			},
			[]string{"kind", "format", "status"},
		),

		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "renderflow",
				Subsystem: "render",
				Name:      "duration_seconds",
				Help:      "Renderer call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"format"},
		),

		RenderBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "renderflow",
				Subsystem: "render",
				Name:      "response_bytes",
				Help:      "Size of rendered artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
			},
			[]string{"format"},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of content cache hits",
			},
		),

		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of content cache misses",
			},
		),

		CacheSets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "cache",
				Name:      "sets_total",
				Help:      "Total number of content cache writes",
			},
		),

		CacheErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Total number of swallowed cache-layer failures (degraded mode)",
			},
		),

		WebhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Total number of webhook delivery outcomes",
			},
			[]string{"status"},
		),

		WebhookAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "webhook",
				Name:      "attempts_total",
				Help:      "Total number of webhook HTTP attempts",
			},
		),

		WebhookDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "renderflow",
				Subsystem: "webhook",
				Name:      "duration_seconds",
				Help:      "Full delivery duration including retries",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "renderflow",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),
	}
}
