// Package service wires the application together: metrics registry,
// content cache, renderer client, format orchestrator, webhook
// deliverer, and the job pipeline, assembled from configuration with
// explicit dependency injection.
//
// The App owns the component lifecycle: Initialize builds everything,
// Start launches background work, Stop shuts it down in reverse order.
package service
