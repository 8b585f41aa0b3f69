// Package natsclient manages the NATS connection used for durable job
// archival. It wraps the nats.go client with a circuit breaker so that a
// flapping broker cannot stall render workers, and exposes JetStream
// key-value buckets as the archival primitive.
//
// The client is deliberately small: connect, publish, and key-value bucket
// management. Render traffic itself never touches NATS; only terminal job
// records flow through here.
package natsclient
