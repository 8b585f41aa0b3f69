// Package config loads and validates the application configuration from
// YAML or JSON files with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/pipeline"
)

// Config is the complete application configuration
type Config struct {
	Service  ServiceConfig   `json:"service" yaml:"service"`
	Renderer RendererConfig  `json:"renderer" yaml:"renderer"`
	Cache    CacheConfig     `json:"cache" yaml:"cache"`
	Pipeline pipeline.Config `json:"pipeline" yaml:"pipeline"`
	Webhook  WebhookConfig   `json:"webhook" yaml:"webhook"`
	NATS     NATSConfig      `json:"nats" yaml:"nats"`
	Metrics  MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// ServiceConfig identifies this instance
type ServiceConfig struct {
	Name     string `json:"name" yaml:"name"`
	LogLevel string `json:"logLevel" yaml:"log_level"`
}

// RendererConfig points at the rendering backend
type RendererConfig struct {
	BaseURL           string        `json:"baseUrl" yaml:"base_url"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	MaxContentBytes   int64         `json:"maxContentBytes" yaml:"max_content_bytes"`
	MaxResponseBytes  int64         `json:"maxResponseBytes" yaml:"max_response_bytes"`
	RequestsPerSecond float64       `json:"requestsPerSecond" yaml:"requests_per_second"`
}

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// CacheConfig controls the content cache
type CacheConfig struct {
	Backend         string        `json:"backend" yaml:"backend"`
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `json:"cleanupInterval" yaml:"cleanup_interval"`
	Redis           RedisConfig   `json:"redis" yaml:"redis"`
}

// RedisConfig connects the Redis cache backend
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"keyPrefix" yaml:"key_prefix"`
}

// WebhookConfig controls signed event delivery
type WebhookConfig struct {
	Secret                   string        `json:"secret" yaml:"secret"`
	Timeout                  time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts              int           `json:"maxAttempts" yaml:"max_attempts"`
	AllowPrivateDestinations bool          `json:"allowPrivateDestinations" yaml:"allow_private_destinations"`
}

// NATSConfig connects the job archive. Disabled instances keep terminal
// jobs in memory only.
type NATSConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	URL           string        `json:"url" yaml:"url"`
	Username      string        `json:"username" yaml:"username"`
	Password      string        `json:"password" yaml:"password"`
	Token         string        `json:"token" yaml:"token"`
	ArchiveBucket string        `json:"archiveBucket" yaml:"archive_bucket"`
	ArchiveTTL    time.Duration `json:"archiveTtl" yaml:"archive_ttl"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "renderflow",
			LogLevel: "info",
		},
		Renderer: RendererConfig{
			Timeout:          30 * time.Second,
			MaxContentBytes:  1 << 20,
			MaxResponseBytes: 16 << 20,
		},
		Cache: CacheConfig{
			Backend:         CacheBackendMemory,
			TTL:             time.Hour,
			CleanupInterval: 5 * time.Minute,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Pipeline: pipeline.DefaultConfig(),
		Webhook: WebhookConfig{
			Timeout:     10 * time.Second,
			MaxAttempts: 4,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ArchiveBucket: "render_jobs",
			ArchiveTTL:    24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration for unusable values
func (c *Config) Validate() error {
	if c.Renderer.BaseURL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Config", "Validate", "renderer base URL is required")
	}
	if !strings.HasPrefix(c.Renderer.BaseURL, "http://") &&
		!strings.HasPrefix(c.Renderer.BaseURL, "https://") {
		return errors.WrapFatal(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("renderer base URL %q must be http(s)", c.Renderer.BaseURL))
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis:
	default:
		return errors.WrapFatal(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.Backend == CacheBackendRedis && c.Cache.Redis.Addr == "" {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Config", "Validate", "redis backend requires an address")
	}

	if c.Webhook.Secret == "" {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Config", "Validate", "webhook secret is required")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapFatal(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
	}

	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	return nil
}

// Loader reads configuration from a file with environment overrides
type Loader struct {
	path      string
	envPrefix string
}

// NewLoader creates a Loader. An empty path loads defaults plus
// environment only.
func NewLoader(path, envPrefix string) *Loader {
	if envPrefix == "" {
		envPrefix = "RENDERFLOW"
	}
	return &Loader{path: path, envPrefix: envPrefix}
}

// Load builds the effective configuration: defaults, then the file,
// then environment overrides, then validation.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load",
				fmt.Sprintf("read config file %s", l.path))
		}

		switch ext := filepath.Ext(l.path); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapFatal(err, "Loader", "Load", "parse YAML config")
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapFatal(err, "Loader", "Load", "parse JSON config")
			}
		default:
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Loader", "Load",
				fmt.Sprintf("unsupported config extension %q", ext))
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_SERVICE_NAME"); val != "" {
		cfg.Service.Name = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Service.LogLevel = val
	}

	if val := os.Getenv(l.envPrefix + "_RENDERER_URL"); val != "" {
		cfg.Renderer.BaseURL = val
	}

	if val := os.Getenv(l.envPrefix + "_CACHE_BACKEND"); val != "" {
		cfg.Cache.Backend = val
	}
	if val := os.Getenv(l.envPrefix + "_REDIS_ADDR"); val != "" {
		cfg.Cache.Redis.Addr = val
	}
	if val := os.Getenv(l.envPrefix + "_REDIS_PASSWORD"); val != "" {
		cfg.Cache.Redis.Password = val
	}

	if val := os.Getenv(l.envPrefix + "_WEBHOOK_SECRET"); val != "" {
		cfg.Webhook.Secret = val
	}

	if val := os.Getenv(l.envPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
		cfg.NATS.Enabled = true
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}

	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
