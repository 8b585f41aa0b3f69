package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/renderflow/config"
	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/format"
	"github.com/c360/renderflow/health"
	"github.com/c360/renderflow/metric"
	"github.com/c360/renderflow/natsclient"
	"github.com/c360/renderflow/pipeline"
	"github.com/c360/renderflow/pkg/cache"
	"github.com/c360/renderflow/pkg/retry"
	"github.com/c360/renderflow/renderer"
	"github.com/c360/renderflow/webhook"
)

// Status represents the current status of the application
type Status int

// Possible application statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// App assembles and runs all components
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	status atomic.Int32

	registry      *metric.MetricsRegistry
	metricsServer *metric.Server
	monitor       *health.Monitor

	natsClient   *natsclient.Client
	cache        *cache.Cache
	renderer     *renderer.Client
	orchestrator *format.Orchestrator
	deliverer    *webhook.Deliverer
	pipeline     *pipeline.Pipeline

	initialized bool
	startTime   time.Time
}

// NewApp creates an application around a validated configuration
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:    cfg,
		logger: logger.With("service", cfg.Service.Name),
	}
}

// Status returns the application status
func (a *App) Status() Status {
	return Status(a.status.Load())
}

// Pipeline exposes the job pipeline for submission surfaces
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Orchestrator exposes the format orchestrator for synchronous
// generation surfaces
func (a *App) Orchestrator() *format.Orchestrator {
	return a.orchestrator
}

// Deliverer exposes the webhook deliverer
func (a *App) Deliverer() *webhook.Deliverer {
	return a.deliverer
}

// Health returns the aggregated component health
func (a *App) Health() health.Status {
	if a.monitor == nil {
		return health.NewUnhealthy(a.cfg.Service.Name, "not initialized")
	}
	return a.monitor.AggregateHealth(a.cfg.Service.Name)
}

// Initialize constructs every component from configuration. No
// background work starts here.
func (a *App) Initialize(ctx context.Context) error {
	if a.initialized {
		return errors.Wrap(errors.ErrAlreadyStarted, "App", "Initialize", "already initialized")
	}

	a.registry = metric.NewMetricsRegistry()
	metrics := a.registry.CoreMetrics()
	a.monitor = health.NewMonitor()

	if a.cfg.Metrics.Enabled {
		a.metricsServer = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry)
		a.metricsServer.Handle("/healthz", health.LivenessHandler())
		a.metricsServer.Handle("/readyz", health.ReadinessHandler(a.monitor, a.cfg.Service.Name))
	}

	store, err := a.buildCacheStore(ctx)
	if err != nil {
		a.monitor.Update("cache", health.FromError("cache", err))
		return err
	}
	a.cache = cache.New(store, a.cfg.Cache.TTL,
		cache.WithMetrics(a.registry),
		cache.WithLogger(a.logger))
	a.monitor.UpdateHealthy("cache", "store ready")

	a.renderer, err = renderer.NewClient(renderer.Config{
		BaseURL:           a.cfg.Renderer.BaseURL,
		Timeout:           a.cfg.Renderer.Timeout,
		MaxContentBytes:   int(a.cfg.Renderer.MaxContentBytes),
		MaxResponseBytes:  a.cfg.Renderer.MaxResponseBytes,
		RequestsPerSecond: a.cfg.Renderer.RequestsPerSecond,
		Logger:            a.logger,
	}, renderer.WithMetrics(a.registry))
	if err != nil {
		return err
	}

	a.orchestrator = format.NewOrchestrator(a.renderer,
		format.WithCache(a.cache),
		format.WithLogger(a.logger))

	a.deliverer, err = webhook.New(webhook.Config{
		Secret:                   a.cfg.Webhook.Secret,
		Timeout:                  a.cfg.Webhook.Timeout,
		MaxAttempts:              a.cfg.Webhook.MaxAttempts,
		AllowPrivateDestinations: a.cfg.Webhook.AllowPrivateDestinations,
	}, webhook.WithLogger(a.logger), webhook.WithMetrics(metrics))
	if err != nil {
		return err
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(metrics),
	}

	if a.cfg.NATS.Enabled {
		archive, err := a.buildArchive(ctx)
		if err != nil {
			// Archival is best-effort; run without it rather than
			// refusing to start
			a.logger.Warn("job archive unavailable, running without it", "error", err)
		} else {
			pipelineOpts = append(pipelineOpts, pipeline.WithArchive(archive))
		}
	}

	a.pipeline, err = pipeline.New(a.cfg.Pipeline, pipelineOpts...)
	if err != nil {
		return err
	}

	if err := a.registerHandlers(); err != nil {
		return err
	}

	a.initialized = true
	a.logger.Info("application initialized",
		"cache_backend", a.cfg.Cache.Backend,
		"archive", a.cfg.NATS.Enabled,
		"metrics", a.cfg.Metrics.Enabled)
	return nil
}

func (a *App) buildCacheStore(ctx context.Context) (cache.Store, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheBackendRedis:
		// A redis that is still coming up alongside us is worth a few
		// fast retries before Initialize gives up
		return retry.DoWithResult(ctx, retry.Quick(), func() (cache.Store, error) {
			return cache.NewRedisStore(ctx, cache.RedisConfig{
				Addr:      a.cfg.Cache.Redis.Addr,
				Password:  a.cfg.Cache.Redis.Password,
				DB:        a.cfg.Cache.Redis.DB,
				KeyPrefix: a.cfg.Cache.Redis.KeyPrefix,
			}, 5*time.Second)
		})
	default:
		return cache.NewMemoryStore(ctx, a.cfg.Cache.CleanupInterval), nil
	}
}

func (a *App) buildArchive(ctx context.Context) (pipeline.Archive, error) {
	var client *natsclient.Client
	opts := []natsclient.ClientOption{
		natsclient.WithName(a.cfg.Service.Name),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if !healthy {
				a.monitor.UpdateDegraded("nats", "connection lost, reconnecting")
				return
			}
			msg := "connected"
			if rtt, err := client.RTT(); err == nil {
				msg = fmt.Sprintf("connected, rtt %s", rtt.Round(time.Microsecond))
			}
			a.monitor.UpdateHealthy("nats", msg)
		}),
	}
	if a.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(a.cfg.NATS.Username, a.cfg.NATS.Password))
	}
	if a.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(a.cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(a.cfg.NATS.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, retry.Quick(), func() error {
		return client.Connect(ctx)
	}); err != nil {
		return nil, err
	}
	a.natsClient = client

	return pipeline.NewKVArchive(ctx, client, pipeline.KVArchiveConfig{
		Bucket: a.cfg.NATS.ArchiveBucket,
		TTL:    a.cfg.NATS.ArchiveTTL,
	})
}

// Start launches the pipeline workers and the metrics endpoint
func (a *App) Start(ctx context.Context) error {
	if !a.initialized {
		return errors.Wrap(errors.ErrNotStarted, "App", "Start", "initialize first")
	}
	if !a.status.CompareAndSwap(int32(StatusStopped), int32(StatusStarting)) {
		return errors.Wrap(errors.ErrAlreadyStarted, "App", "Start", "already running")
	}

	if err := a.pipeline.Start(ctx); err != nil {
		a.status.Store(int32(StatusStopped))
		a.monitor.Update("pipeline", health.FromError("pipeline", err))
		return err
	}
	a.monitor.UpdateHealthy("pipeline", "workers running")

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.Start(); err != nil {
				a.logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	a.startTime = time.Now()
	a.status.Store(int32(StatusRunning))
	a.logger.Info("application started")
	return nil
}

// Stop shuts components down in reverse dependency order
func (a *App) Stop(timeout time.Duration) error {
	if !a.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		return nil
	}
	defer a.status.Store(int32(StatusStopped))
	a.monitor.UpdateUnhealthy("pipeline", "shutting down")

	deadline := time.Now().Add(timeout)
	var firstErr error

	if err := a.pipeline.Stop(timeout); err != nil {
		firstErr = err
		a.logger.Error("pipeline stop failed", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.natsClient != nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := a.natsClient.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	a.logger.Info("application stopped", "uptime", time.Since(a.startTime))
	return firstErr
}
