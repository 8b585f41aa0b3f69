package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/natsclient"
)

// Archive receives terminal jobs when they age out of the in-memory
// retention window and serves status queries for them afterwards.
// Implementations must tolerate duplicate stores.
type Archive interface {
	Store(ctx context.Context, job JobView) error
	Lookup(ctx context.Context, queue Queue, id string) (JobView, error)
}

// archiveSubjectPrefix is where freshly archived job records are
// announced for downstream consumers
const archiveSubjectPrefix = "renderflow.jobs.archived"

// KVArchive persists terminal jobs in a JetStream key-value bucket. The
// bucket carries its own TTL, so archived records expire server-side
// without a sweeper on our end.
type KVArchive struct {
	client *natsclient.Client
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// KVArchiveConfig describes the archive bucket
type KVArchiveConfig struct {
	Bucket string        `json:"bucket" yaml:"bucket"`
	TTL    time.Duration `json:"ttl" yaml:"ttl"`
}

// NewKVArchive creates the archive bucket if needed. The client must
// already be connected.
func NewKVArchive(ctx context.Context, client *natsclient.Client, cfg KVArchiveConfig) (*KVArchive, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "render_jobs"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "terminal render job records",
		TTL:         cfg.TTL,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVArchive", "NewKVArchive",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	return &KVArchive{client: client, bucket: bucket, logger: slog.Default()}, nil
}

// Store writes a terminal job record keyed by queue and id, then
// announces it on the archive subject
func (a *KVArchive) Store(ctx context.Context, job JobView) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "KVArchive", "Store", "marshal job record")
	}

	key := fmt.Sprintf("%s.%s", job.Queue, job.ID)
	if _, err := a.bucket.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "KVArchive", "Store",
			fmt.Sprintf("put job %s", key))
	}

	// The KV record is the source of truth; the announcement only saves
	// consumers from polling the bucket
	subject := fmt.Sprintf("%s.%s", archiveSubjectPrefix, job.Queue)
	if err := a.client.Publish(ctx, subject, data); err != nil {
		a.logger.Debug("archive announcement skipped",
			"job_id", job.ID, "error", err)
	}
	return nil
}

// Lookup fetches an archived job record, for status queries that miss
// the in-memory window
func (a *KVArchive) Lookup(ctx context.Context, queue Queue, id string) (JobView, error) {
	key := fmt.Sprintf("%s.%s", queue, id)
	entry, err := a.bucket.Get(ctx, key)
	if err != nil {
		return JobView{}, errors.Wrap(errors.ErrJobNotFound, "KVArchive", "Lookup",
			fmt.Sprintf("get job %s", key))
	}

	var view JobView
	if err := json.Unmarshal(entry.Value(), &view); err != nil {
		return JobView{}, errors.WrapInvalid(err, "KVArchive", "Lookup",
			fmt.Sprintf("decode job %s", key))
	}
	return view, nil
}
