package pipeline

import (
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/format"
)

// Queue identifies a job category. Each queue has its own worker pool,
// retry budget, and backoff base.
type Queue string

// Known queues
const (
	QueueSingle  Queue = "single"
	QueueBatch   Queue = "batch"
	QueueWebhook Queue = "webhook"
)

// Known reports whether q is a recognized queue name
func (q Queue) Known() bool {
	switch q {
	case QueueSingle, QueueBatch, QueueWebhook:
		return true
	default:
		return false
	}
}

// State is the lifecycle state of a job
type State string

// Job states
const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Payload is the category-specific body of a job. Payloads are validated
// at submission so malformed work never reaches a worker.
type Payload interface {
	Queue() Queue
	Validate() error
}

// GeneratePayload is a single-diagram generation request. When
// CallbackURL is set, a signed webhook job announcing the terminal state
// is enqueued once the job completes or fails for good.
type GeneratePayload struct {
	Content     string            `json:"content"`
	Kind        format.Kind       `json:"kind"`
	Format      format.Format     `json:"format"`
	Options     map[string]string `json:"options,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
}

// Queue returns the queue this payload belongs to
func (p GeneratePayload) Queue() Queue { return QueueSingle }

// Validate checks the payload before it is accepted into the queue
func (p GeneratePayload) Validate() error {
	if p.Content == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload,
			"GeneratePayload", "Validate", "content is empty")
	}
	if !format.KnownKind(p.Kind) {
		return errors.WrapInvalid(errors.ErrUnknownDiagram,
			"GeneratePayload", "Validate", fmt.Sprintf("unknown diagram kind %q", p.Kind))
	}
	if !format.IsSupported(p.Kind, p.Format) {
		return errors.WrapInvalid(errors.ErrUnsupportedFormat,
			"GeneratePayload", "Validate",
			fmt.Sprintf("format %q not supported for kind %q", p.Format, p.Kind))
	}
	return validateCallbackURL("GeneratePayload", p.CallbackURL)
}

// validateCallbackURL accepts an empty URL; callbacks are optional
func validateCallbackURL(component, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			component, "Validate", fmt.Sprintf("callback %q is not an http(s) URL", raw))
	}
	return nil
}

// maxBatchFormats bounds the fan-out of a single batch job
const maxBatchFormats = 10

// BatchPayload is a multi-format generation request. Unsupported formats
// inside the batch are allowed here; they surface as per-item failures.
type BatchPayload struct {
	Content     string            `json:"content"`
	Kind        format.Kind       `json:"kind"`
	Formats     []format.Format   `json:"formats"`
	Options     map[string]string `json:"options,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
}

// Queue returns the queue this payload belongs to
func (p BatchPayload) Queue() Queue { return QueueBatch }

// Validate checks the payload before it is accepted into the queue
func (p BatchPayload) Validate() error {
	if p.Content == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload,
			"BatchPayload", "Validate", "content is empty")
	}
	if !format.KnownKind(p.Kind) {
		return errors.WrapInvalid(errors.ErrUnknownDiagram,
			"BatchPayload", "Validate", fmt.Sprintf("unknown diagram kind %q", p.Kind))
	}
	if len(p.Formats) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidPayload,
			"BatchPayload", "Validate", "formats list is empty")
	}
	if len(p.Formats) > maxBatchFormats {
		return errors.WrapInvalid(errors.ErrInvalidPayload,
			"BatchPayload", "Validate",
			fmt.Sprintf("batch of %d formats exceeds limit of %d", len(p.Formats), maxBatchFormats))
	}
	return validateCallbackURL("BatchPayload", p.CallbackURL)
}

// WebhookPayload is a delivery request for a signed event notification.
// Destination SSRF screening happens at delivery time in the webhook
// package; only shape is checked here.
type WebhookPayload struct {
	URL       string          `json:"url"`
	EventType string          `json:"eventType"`
	Body      json.RawMessage `json:"body"`

	// RequestID pins X-Request-ID across every redelivery of this event
	// so receivers can deduplicate. Defaults to the job's own id.
	RequestID string `json:"requestId,omitempty"`
}

// Queue returns the queue this payload belongs to
func (p WebhookPayload) Queue() Queue { return QueueWebhook }

// Validate checks the payload before it is accepted into the queue
func (p WebhookPayload) Validate() error {
	if p.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			"WebhookPayload", "Validate", "destination URL is empty")
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidDestination,
			"WebhookPayload", "Validate", fmt.Sprintf("destination %q is not an http(s) URL", p.URL))
	}
	if p.EventType == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload,
			"WebhookPayload", "Validate", "event type is empty")
	}
	return nil
}

// Priority bounds. Higher priorities dequeue first.
const (
	MinPriority = -10
	MaxPriority = 10
)

// Job is the internal mutable job record. All fields below the payload
// are guarded by the owning queue's mutex.
type Job struct {
	ID          string
	Queue       Queue
	Payload     Payload
	Priority    int
	SubmittedAt time.Time

	State       State
	Attempt     int
	MaxAttempts int
	Progress    int
	Result      any
	ErrMsg      string
	ErrClass    errors.ErrorClass

	// Scheduling
	readyAt    time.Time
	heapIndex  int
	startedAt  time.Time
	finishedAt time.Time

	// Lease. The token invalidates a worker whose lease was reclaimed
	// by the janitor; a stale worker's outcome is discarded.
	leaseToken int64
	worker     string
	heartbeat  time.Time
	cancelFn   func()
	cancelled  bool
}

// JobHandle is returned from Submit and identifies an accepted job
type JobHandle struct {
	ID    string `json:"id"`
	Queue Queue  `json:"queue"`
}

// JobView is an immutable snapshot of a job for status queries and
// archival
type JobView struct {
	ID          string    `json:"id"`
	Queue       Queue     `json:"queue"`
	State       State     `json:"state"`
	Priority    int       `json:"priority"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	Progress    int       `json:"progress"`
	SubmittedAt time.Time `json:"submittedAt"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Error       string    `json:"error,omitempty"`
	Result      any       `json:"result,omitempty"`
}

// view must be called with the owning queue's mutex held
func (j *Job) view() JobView {
	return JobView{
		ID:          j.ID,
		Queue:       j.Queue,
		State:       j.State,
		Priority:    j.Priority,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Progress:    j.Progress,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
		Error:       j.ErrMsg,
		Result:      j.Result,
	}
}

// ULID generation. Monotonic entropy keeps same-millisecond IDs ordered
// by submission, which is what makes the FIFO tie-break work.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

func newJobID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
