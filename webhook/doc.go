// Package webhook delivers signed event notifications to subscriber
// endpoints.
//
// Every payload is signed with HMAC-SHA256 under a shared secret and
// carries a stable request id so receivers can deduplicate retried
// deliveries. Destinations are screened against internal address
// ranges before any connection is made. Failed attempts retry on a
// fixed escalation schedule; a delivery that exhausts its attempts is
// reported as an outcome, not an error.
package webhook
