package format

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/pkg/cache"
)

// Renderer is the orchestrator's view of the external rendering service.
type Renderer interface {
	Render(ctx context.Context, kind, format, content string) ([]byte, error)
}

// Request describes one generation request.
type Request struct {
	Content string            `json:"content"`
	Kind    Kind              `json:"kind"`
	Format  Format            `json:"format"`
	Options map[string]string `json:"options,omitempty"`
}

// Result is the outcome of generating one (content, format) pair.
type Result struct {
	OK       bool          `json:"ok"`
	Format   Format        `json:"format"`
	Data     []byte        `json:"data,omitempty"`
	MIMEType string        `json:"mimeType,omitempty"`
	Size     int           `json:"size"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
	Err      error         `json:"-"`
	ErrMsg   string        `json:"error,omitempty"`
}

// BatchResult aggregates per-item results for a batch request. Partial
// failure is a first-class outcome: Results always has one entry per
// requested format, in the caller's order.
type BatchResult struct {
	Results   []Result `json:"results"`
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// Orchestrator coordinates cache lookup, renderer calls, validation and
// post-processing for single and batch generation.
type Orchestrator struct {
	renderer   Renderer
	cache      *cache.Cache
	logger     *slog.Logger
	batchLimit int
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithCache enables content-cache read-through/write-through. Without it the
// orchestrator calls the renderer for every request.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = c
	}
}

// WithLogger sets the logger used for generation diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBatchLimit bounds how many formats of a batch generate concurrently.
func WithBatchLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchLimit = n
		}
	}
}

// NewOrchestrator creates a format orchestrator around a renderer.
func NewOrchestrator(renderer Renderer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		renderer:   renderer,
		logger:     slog.Default(),
		batchLimit: 4,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate produces one artifact for the request. Unsupported kind/format
// combinations are client errors reported synchronously; renderer transport
// failures and byte-signature mismatches are transient generation errors.
func (o *Orchestrator) Generate(ctx context.Context, req Request) Result {
	start := time.Now()

	if err := o.validateRequest(req); err != nil {
		return failed(req.Format, err, time.Since(start))
	}

	key := cache.Fingerprint(req.Content, string(req.Format), req.Options)

	// Cache first; a hit skips the renderer entirely.
	if o.cache != nil {
		if entry, ok := o.cache.Get(ctx, key); ok {
			return Result{
				OK:       true,
				Format:   req.Format,
				Data:     entry.Data,
				MIMEType: MIMEType(req.Format),
				Size:     len(entry.Data),
				Duration: time.Since(start),
				Cached:   true,
			}
		}
	}

	data, err := o.render(ctx, req)
	if err != nil {
		return failed(req.Format, err, time.Since(start))
	}

	// Best-effort write-through; a dropped write never fails the request.
	if o.cache != nil {
		if res := o.cache.Put(ctx, key, data, string(req.Format)); !res.Stored {
			o.logger.Debug("write-through skipped", "key", key, "error", res.Err)
		}
	}

	return Result{
		OK:       true,
		Format:   req.Format,
		Data:     data,
		MIMEType: MIMEType(req.Format),
		Size:     len(data),
		Duration: time.Since(start),
	}
}

// GenerateBatch produces every requested format independently and
// concurrently. A failure in one format does not abort the others; results
// preserve the caller's format order.
func (o *Orchestrator) GenerateBatch(ctx context.Context, content string, kind Kind, formats []Format, options map[string]string) BatchResult {
	results := make([]Result, len(formats))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.batchLimit)

	for i, f := range formats {
		g.Go(func() error {
			results[i] = o.Generate(gctx, Request{
				Content: content,
				Kind:    kind,
				Format:  f,
				Options: options,
			})
			// Item failures are recorded, never propagated: propagating
			// would cancel gctx and abort the sibling generations.
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{
		Results: results,
		Total:   len(formats),
	}
	for _, r := range results {
		if r.OK {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
	}
	return batch
}

// validateRequest applies the synchronous client-error checks.
func (o *Orchestrator) validateRequest(req Request) error {
	if req.Content == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "Orchestrator", "Generate", "empty content")
	}
	if !KnownKind(req.Kind) {
		return errors.WrapInvalid(errors.ErrUnknownDiagram, "Orchestrator", "Generate", string(req.Kind))
	}
	if !IsSupported(req.Kind, req.Format) {
		return errors.WrapInvalid(errors.ErrUnsupportedFormat, "Orchestrator", "Generate",
			fmt.Sprintf("%s does not support %s", req.Kind, req.Format))
	}
	return nil
}

// render calls the renderer for the request's base format, validates the
// returned bytes, and applies the derived-format transform when needed.
func (o *Orchestrator) render(ctx context.Context, req Request) ([]byte, error) {
	base := Base(req.Format)

	data, err := o.renderer.Render(ctx, string(req.Kind), string(base), req.Content)
	if err != nil {
		return nil, err
	}

	if err := Validate(base, data); err != nil {
		o.logger.Warn("renderer returned invalid bytes",
			"kind", req.Kind, "format", base, "size", len(data))
		return nil, err
	}

	if req.Format != base {
		data, err = derive(base, req.Format, data)
		if err != nil {
			return nil, err
		}
	}

	return data, nil
}

// derive post-processes base-format bytes into the derived format.
func derive(from, to Format, data []byte) ([]byte, error) {
	if from == SVG && to == SVGZ {
		return gzipBytes(data)
	}
	return nil, errors.WrapInvalid(errors.ErrUnsupportedFormat, "format", "derive",
		fmt.Sprintf("no transform from %s to %s", from, to))
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, errors.WrapTransient(err, "format", "gzipBytes", "create writer")
	}
	if _, err := zw.Write(data); err != nil {
		return nil, errors.WrapTransient(err, "format", "gzipBytes", "compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.WrapTransient(err, "format", "gzipBytes", "flush")
	}
	return buf.Bytes(), nil
}

func failed(f Format, err error, duration time.Duration) Result {
	return Result{
		Format:   f,
		Duration: duration,
		Err:      err,
		ErrMsg:   err.Error(),
	}
}
