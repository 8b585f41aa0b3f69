// Package renderflow provides a render orchestration service for
// text-described diagrams. It accepts diagram sources, renders them to
// one or more output formats through an external rendering backend,
// caches artifacts by content fingerprint and notifies subscribers of
// completed work through signed webhooks.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         Job Pipeline                │  Priority queues, leases,
//	│  (submit, retry, reclaim, archive)  │  retention and archival
//	└─────────────────────────────────────┘
//	           ↓ dispatches to
//	┌─────────────────────────────────────┐
//	│       Format Orchestrator           │  Compatibility, validation,
//	│   (generate, batch, recommend)      │  cache lookup, SVGZ packing
//	└─────────────────────────────────────┘
//	           ↓ renders via            ↓ caches via
//	┌──────────────────┐    ┌──────────────────────┐
//	│  Renderer Client │    │    Content Cache      │
//	│  (HTTP backend)  │    │  (memory or Redis)    │
//	└──────────────────┘    └──────────────────────┘
//
// Completed jobs fan out to subscribers through the webhook deliverer,
// which signs every payload with HMAC-SHA256 and retries on a fixed
// escalation schedule.
//
// # Packages
//
// Core:
//   - pipeline: priority job queues with leases, worker pools, retry
//     and archival to NATS JetStream KV
//   - format: format compatibility, artifact validation and generation
//     orchestration
//   - renderer: HTTP client for the rendering backend
//   - webhook: signed webhook delivery with destination screening
//
// Infrastructure:
//   - config: configuration loading and validation
//   - natsclient: NATS connection management with circuit breaker
//   - metric: Prometheus metrics
//   - errors: classified error handling
//   - service: application assembly and lifecycle
//
// Utilities:
//   - pkg/cache: content-addressed artifact cache
//   - pkg/retry: retry policies and escalation schedules
//
// # Binary
//
//	# Run with a config file
//	./bin/renderflowd --config configs/renderflow.yaml
//
//	# Run with environment overrides only
//	export RENDERFLOW_RENDERER_URL=http://kroki:8000
//	export RENDERFLOW_WEBHOOK_SECRET=s3cret
//	./bin/renderflowd
package renderflow
