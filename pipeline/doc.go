// Package pipeline implements the render job pipeline: three priority
// queues (single, batch, webhook) with independent worker pools, retry
// budgets, and backoff bases.
//
// Jobs are submitted with a category-specific payload that is validated
// up front. Workers take a lease on each dequeued job and renew it via
// heartbeats; a janitor reclaims jobs whose worker went silent and
// requeues them, spending one attempt. Transient failures requeue with
// exponential backoff while attempts remain; invalid payload or request
// errors fail the job immediately.
//
// Terminal jobs stay queryable in memory for a retention window, then
// move to the configured Archive (a JetStream key-value bucket in
// production) and are dropped.
package pipeline
