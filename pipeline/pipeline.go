package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/metric"
	"github.com/c360/renderflow/pkg/retry"
)

// Handler processes one job attempt. Returning nil completes the job;
// a transient error requeues it while attempts remain; an invalid or
// fatal error fails it terminally.
type Handler func(ctx context.Context, job *ActiveJob) error

// Pipeline runs priority queues of render and delivery jobs with
// per-queue worker pools, leases, and retry policies.
type Pipeline struct {
	cfg      Config
	queues   map[Queue]*queueState
	locks    map[Queue]*sync.Mutex
	handlers map[Queue]Handler

	// jobs indexes every non-archived job by id
	jobs   map[string]*Job
	jobsMu sync.RWMutex

	archive Archive
	logger  *slog.Logger
	metrics *metric.Metrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// tickInterval is how often idle workers re-check for due delayed
	// jobs; shortened in tests
	tickInterval time.Duration
}

// Option configures the pipeline
type Option func(*Pipeline)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics wires pipeline counters into the shared metrics set
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithArchive sets the store terminal jobs are written to when they age
// out of retention
func WithArchive(a Archive) Option {
	return func(p *Pipeline) { p.archive = a }
}

// New creates a pipeline. Zero config values fall back to defaults.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:          cfg,
		queues:       make(map[Queue]*queueState),
		locks:        make(map[Queue]*sync.Mutex),
		handlers:     make(map[Queue]Handler),
		jobs:         make(map[string]*Job),
		logger:       slog.Default(),
		tickInterval: 50 * time.Millisecond,
	}
	for name, qc := range cfg.Queues {
		p.queues[name] = newQueueState(name, qc)
		p.locks[name] = &sync.Mutex{}
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// RegisterHandler binds a handler to a queue. Must be called before
// Start; queues without a handler reject submissions.
func (p *Pipeline) RegisterHandler(queue Queue, h Handler) error {
	if !queue.Known() {
		return errors.Wrap(errors.ErrUnknownQueue, "Pipeline", "RegisterHandler", string(queue))
	}
	if h == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Pipeline", "RegisterHandler", "nil handler")
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Pipeline", "RegisterHandler", string(queue))
	}
	p.handlers[queue] = h
	return nil
}

// Start launches workers, the janitor, and the retention sweeper
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Pipeline", "Start", "start workers")
	}
	if p.stopped {
		return errors.Wrap(errors.ErrShuttingDown, "Pipeline", "Start", "pipeline stopped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for name, q := range p.queues {
		if _, ok := p.handlers[name]; !ok {
			continue
		}
		for i := 0; i < q.cfg.Concurrency; i++ {
			p.wg.Add(1)
			go p.worker(runCtx, q, fmt.Sprintf("%s-%d", name, i))
		}
	}

	p.wg.Add(2)
	go p.janitor(runCtx)
	go p.sweeper(runCtx)

	p.started = true
	p.logger.Info("pipeline started",
		"queues", len(p.handlers),
		"lease_timeout", p.cfg.LeaseTimeout)
	return nil
}

// Stop cancels all workers and waits up to timeout for them to exit
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("pipeline stopped")
		return nil
	case <-timer.C:
		return errors.WrapTransient(
			fmt.Errorf("workers did not exit within %v", timeout),
			"Pipeline", "Stop", "wait for workers")
	}
}

// SubmitOptions adjusts scheduling of a submitted job
type SubmitOptions struct {
	// Priority in [-10, 10]; out-of-range values are clamped
	Priority int
	// Delay defers the first attempt
	Delay time.Duration
}

// Submit validates and enqueues a job. The payload's category must
// match the target queue.
func (p *Pipeline) Submit(_ context.Context, queue Queue, payload Payload, opts SubmitOptions) (*JobHandle, error) {
	p.lifecycleMu.Lock()
	started, stopped := p.started, p.stopped
	p.lifecycleMu.Unlock()

	if !started {
		return nil, errors.Wrap(errors.ErrPipelineNotReady, "Pipeline", "Submit", "pipeline not started")
	}
	if stopped {
		return nil, errors.Wrap(errors.ErrShuttingDown, "Pipeline", "Submit", "pipeline stopping")
	}

	if !queue.Known() {
		return nil, errors.Wrap(errors.ErrUnknownQueue, "Pipeline", "Submit", string(queue))
	}
	if _, ok := p.handlers[queue]; !ok {
		return nil, errors.Wrap(errors.ErrUnknownQueue, "Pipeline", "Submit",
			fmt.Sprintf("no handler registered for queue %q", queue))
	}
	if payload == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "Pipeline", "Submit", "nil payload")
	}
	if payload.Queue() != queue {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "Pipeline", "Submit",
			fmt.Sprintf("payload category %q does not match queue %q", payload.Queue(), queue))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	priority := opts.Priority
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	now := time.Now()
	job := &Job{
		ID:          newJobID(now),
		Queue:       queue,
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: now,
		State:       StateQueued,
		MaxAttempts: p.queues[queue].cfg.MaxAttempts,
	}
	if opts.Delay > 0 {
		job.readyAt = now.Add(opts.Delay)
	}

	p.jobsMu.Lock()
	p.jobs[job.ID] = job
	p.jobsMu.Unlock()

	q := p.queues[queue]
	mu := p.locks[queue]
	mu.Lock()
	q.push(job, now)
	mu.Unlock()
	q.notify()

	if p.metrics != nil {
		p.metrics.JobsSubmitted.WithLabelValues(string(queue)).Inc()
		p.metrics.JobsWaiting.WithLabelValues(string(queue)).Inc()
	}

	p.logger.Debug("job submitted",
		"job_id", job.ID,
		"queue", queue,
		"priority", priority)

	return &JobHandle{ID: job.ID, Queue: queue}, nil
}

// Status returns a snapshot of a job. Jobs already dropped from the
// retention window are looked up in the archive when one is configured.
func (p *Pipeline) Status(ctx context.Context, queue Queue, id string) (JobView, error) {
	if !queue.Known() {
		return JobView{}, errors.Wrap(errors.ErrUnknownQueue, "Pipeline", "Status", string(queue))
	}

	p.jobsMu.RLock()
	job, ok := p.jobs[id]
	p.jobsMu.RUnlock()

	if !ok || job.Queue != queue {
		if p.archive != nil {
			if view, err := p.archive.Lookup(ctx, queue, id); err == nil {
				return view, nil
			}
		}
		return JobView{}, errors.Wrap(errors.ErrJobNotFound, "Pipeline", "Status", id)
	}

	mu := p.locks[queue]
	mu.Lock()
	defer mu.Unlock()
	return job.view(), nil
}

// Cancel cancels a job. Queued jobs are removed immediately; active
// jobs have their attempt context cancelled and finish as cancelled.
// Returns false for unknown or already terminal jobs.
func (p *Pipeline) Cancel(id string) bool {
	p.jobsMu.RLock()
	job, ok := p.jobs[id]
	p.jobsMu.RUnlock()
	if !ok {
		return false
	}

	q := p.queues[job.Queue]
	mu := p.locks[job.Queue]
	mu.Lock()
	defer mu.Unlock()

	switch job.State {
	case StateQueued:
		if !q.remove(job) {
			return false
		}
		job.State = StateCancelled
		job.finishedAt = time.Now()
		q.cancelled++
		if p.metrics != nil {
			p.metrics.JobsWaiting.WithLabelValues(string(job.Queue)).Dec()
			p.metrics.JobsCompleted.WithLabelValues(string(job.Queue), string(StateCancelled)).Inc()
		}
		p.logger.Debug("job cancelled while queued", "job_id", id)
		return true
	case StateActive:
		job.cancelled = true
		if job.cancelFn != nil {
			job.cancelFn()
		}
		p.logger.Debug("cancellation requested for active job", "job_id", id)
		return true
	default:
		return false
	}
}

// LeaseTimeout returns the effective lease timeout, for handlers that
// renew their lease around long blocking calls
func (p *Pipeline) LeaseTimeout() time.Duration {
	return p.cfg.LeaseTimeout
}

// Stats returns per-queue counters
func (p *Pipeline) Stats() map[Queue]QueueStats {
	stats := make(map[Queue]QueueStats, len(p.queues))
	for name, q := range p.queues {
		mu := p.locks[name]
		mu.Lock()
		stats[name] = QueueStats{
			Waiting:   q.waiting(),
			Delayed:   len(q.delayed),
			Active:    len(q.active),
			Completed: q.completed,
			Failed:    q.failed,
			Cancelled: q.cancelled,
		}
		mu.Unlock()
	}
	return stats
}

// worker is the per-goroutine dequeue loop for one queue
func (p *Pipeline) worker(ctx context.Context, q *queueState, workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	mu := p.locks[q.name]
	handler := p.handlers[q.name]

	for {
		mu.Lock()
		job := q.pop(time.Now())
		mu.Unlock()

		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-ticker.C:
			}
			continue
		}

		p.process(ctx, q, job, workerID, handler)
	}
}

// process runs one attempt of a job under a lease
func (p *Pipeline) process(ctx context.Context, q *queueState, job *Job, workerID string, handler Handler) {
	mu := p.locks[q.name]
	now := time.Now()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mu.Lock()
	job.State = StateActive
	job.Attempt++
	job.Progress = 0
	job.leaseToken++
	token := job.leaseToken
	job.worker = workerID
	job.heartbeat = now
	job.cancelFn = cancel
	if job.startedAt.IsZero() {
		job.startedAt = now
	}
	q.active[job.ID] = job
	attempt := job.Attempt
	mu.Unlock()

	if p.metrics != nil {
		p.metrics.JobsWaiting.WithLabelValues(string(q.name)).Dec()
		p.metrics.JobsActive.WithLabelValues(string(q.name)).Inc()
	}

	p.logger.Debug("job attempt started",
		"job_id", job.ID,
		"queue", q.name,
		"attempt", attempt,
		"worker", workerID)

	start := time.Now()
	err := handler(attemptCtx, &ActiveJob{pipeline: p, queue: q, job: job, token: token})
	elapsed := time.Since(start)

	p.finish(q, job, token, err, elapsed)
}

// finish applies the outcome of an attempt. A stale lease token means
// the janitor already reclaimed the job; the outcome is discarded.
func (p *Pipeline) finish(q *queueState, job *Job, token int64, err error, elapsed time.Duration) {
	mu := p.locks[q.name]
	mu.Lock()

	if job.leaseToken != token {
		mu.Unlock()
		p.logger.Warn("discarding outcome from reclaimed lease",
			"job_id", job.ID, "queue", q.name)
		return
	}
	delete(q.active, job.ID)
	job.cancelFn = nil
	if p.metrics != nil {
		p.metrics.JobsActive.WithLabelValues(string(q.name)).Dec()
	}

	switch {
	case job.cancelled:
		job.State = StateCancelled
		job.finishedAt = time.Now()
		q.cancelled++
		mu.Unlock()
		p.recordTerminal(q, job, StateCancelled, elapsed)

	case err == nil:
		job.State = StateCompleted
		job.Progress = 100
		job.finishedAt = time.Now()
		q.completed++
		mu.Unlock()
		p.recordTerminal(q, job, StateCompleted, elapsed)

	case errors.IsTransient(err) && job.Attempt < job.MaxAttempts:
		job.ErrMsg = err.Error()
		job.ErrClass = errors.Classify(err)
		delay := p.retryDelay(q.cfg, job.Attempt)
		job.readyAt = time.Now().Add(delay)
		q.push(job, time.Now())
		mu.Unlock()

		if p.metrics != nil {
			p.metrics.JobsRetried.WithLabelValues(string(q.name)).Inc()
			p.metrics.JobsWaiting.WithLabelValues(string(q.name)).Inc()
		}
		p.logger.Info("job requeued after transient failure",
			"job_id", job.ID,
			"queue", q.name,
			"attempt", job.Attempt,
			"delay", delay,
			"error", err)

	default:
		if errors.IsTransient(err) {
			err = errors.Wrap(errors.ErrAttemptsExhausted, "Pipeline", "finish",
				fmt.Sprintf("job %s failed %d times, last: %v", job.ID, job.Attempt, err))
		}
		job.State = StateFailed
		job.ErrMsg = err.Error()
		job.ErrClass = errors.Classify(err)
		job.finishedAt = time.Now()
		q.failed++
		mu.Unlock()
		p.recordTerminal(q, job, StateFailed, elapsed)
		p.logger.Warn("job failed",
			"job_id", job.ID,
			"queue", q.name,
			"attempt", job.Attempt,
			"error", err)
	}
}

func (p *Pipeline) recordTerminal(q *queueState, job *Job, state State, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.JobsCompleted.WithLabelValues(string(q.name), string(state)).Inc()
	p.metrics.JobDuration.WithLabelValues(string(q.name), string(state)).Observe(elapsed.Seconds())
	if state == StateFailed {
		p.metrics.ErrorsTotal.WithLabelValues("pipeline", job.ErrClass.String()).Inc()
	}
}

// retryDelay computes the backoff before the next attempt after a
// failure of the given attempt number
func (p *Pipeline) retryDelay(cfg QueueConfig, failedAttempt int) time.Duration {
	rc := retry.Config{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.BackoffBase,
		MaxDelay:     cfg.BackoffCap,
		Multiplier:   2,
	}
	return rc.Backoff(failedAttempt + 1)
}

// janitor reclaims jobs whose worker heartbeat went stale. A reclaimed
// attempt counts against the retry budget.
func (p *Pipeline) janitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaimStalled()
		}
	}
}

func (p *Pipeline) reclaimStalled() {
	now := time.Now()
	for name, q := range p.queues {
		mu := p.locks[name]
		mu.Lock()
		var stalled []*Job
		for _, job := range q.active {
			if now.Sub(job.heartbeat) > p.cfg.LeaseTimeout {
				stalled = append(stalled, job)
			}
		}
		for _, job := range stalled {
			delete(q.active, job.ID)
			job.leaseToken++ // invalidate the running worker
			if job.cancelFn != nil {
				job.cancelFn()
				job.cancelFn = nil
			}

			if p.metrics != nil {
				p.metrics.JobStalls.WithLabelValues(string(name)).Inc()
				p.metrics.JobsActive.WithLabelValues(string(name)).Dec()
			}

			if job.Attempt < job.MaxAttempts {
				job.ErrMsg = "worker heartbeat lost"
				job.ErrClass = errors.ErrorTransient
				job.readyAt = now.Add(p.retryDelay(q.cfg, job.Attempt))
				q.push(job, now)
				if p.metrics != nil {
					p.metrics.JobsRetried.WithLabelValues(string(name)).Inc()
					p.metrics.JobsWaiting.WithLabelValues(string(name)).Inc()
				}
				p.logger.Warn("stalled job requeued",
					"job_id", job.ID,
					"queue", name,
					"attempt", job.Attempt)
			} else {
				job.State = StateFailed
				job.ErrMsg = fmt.Sprintf("worker heartbeat lost on final attempt %d", job.Attempt)
				job.ErrClass = errors.ErrorTransient
				job.finishedAt = now
				q.failed++
				if p.metrics != nil {
					p.metrics.JobsCompleted.WithLabelValues(string(name), string(StateFailed)).Inc()
				}
				p.logger.Error("stalled job failed, attempts exhausted",
					"job_id", job.ID,
					"queue", name)
			}
		}
		mu.Unlock()
		if len(stalled) > 0 {
			q.notify()
		}
	}
}

// sweeper archives and drops terminal jobs older than the retention
// window
func (p *Pipeline) sweeper(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepRetained(ctx)
		}
	}
}

func (p *Pipeline) sweepRetained(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.Retention)

	var expired []*Job
	p.jobsMu.RLock()
	for _, job := range p.jobs {
		mu := p.locks[job.Queue]
		mu.Lock()
		if job.State.Terminal() && !job.finishedAt.IsZero() && job.finishedAt.Before(cutoff) {
			expired = append(expired, job)
		}
		mu.Unlock()
	}
	p.jobsMu.RUnlock()

	for _, job := range expired {
		mu := p.locks[job.Queue]
		mu.Lock()
		view := job.view()
		mu.Unlock()

		if p.archive != nil {
			if err := p.archive.Store(ctx, view); err != nil {
				// Best effort: the record is dropped either way once
				// retention lapses
				p.logger.Warn("job archive write failed",
					"job_id", job.ID,
					"error", err)
			}
		}

		p.jobsMu.Lock()
		delete(p.jobs, job.ID)
		p.jobsMu.Unlock()
	}

	if len(expired) > 0 {
		p.logger.Debug("retention sweep complete", "dropped", len(expired))
	}
}

// ActiveJob is the handler's view of the job it is processing. All
// mutators are lease-checked, so a handler whose lease was reclaimed
// becomes a no-op.
type ActiveJob struct {
	pipeline *Pipeline
	queue    *queueState
	job      *Job
	token    int64
}

// ID returns the job id
func (a *ActiveJob) ID() string { return a.job.ID }

// Queue returns the job's queue
func (a *ActiveJob) Queue() Queue { return a.job.Queue }

// Payload returns the job payload
func (a *ActiveJob) Payload() Payload { return a.job.Payload }

// Attempt returns the current attempt number, starting at 1
func (a *ActiveJob) Attempt() int {
	mu := a.pipeline.locks[a.job.Queue]
	mu.Lock()
	defer mu.Unlock()
	return a.job.Attempt
}

// MaxAttempts returns the job's attempt budget. Fixed at submission.
func (a *ActiveJob) MaxAttempts() int { return a.job.MaxAttempts }

// Heartbeat renews the worker's lease
func (a *ActiveJob) Heartbeat() {
	mu := a.pipeline.locks[a.job.Queue]
	mu.Lock()
	defer mu.Unlock()
	if a.job.leaseToken == a.token {
		a.job.heartbeat = time.Now()
	}
}

// SetProgress reports attempt progress in [0, 100]. Progress never
// moves backward within an attempt. Also renews the lease.
func (a *ActiveJob) SetProgress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	mu := a.pipeline.locks[a.job.Queue]
	mu.Lock()
	defer mu.Unlock()
	if a.job.leaseToken != a.token {
		return
	}
	if pct > a.job.Progress {
		a.job.Progress = pct
	}
	a.job.heartbeat = time.Now()
}

// SetResult attaches the job's result value, visible through Status
// once the job completes
func (a *ActiveJob) SetResult(v any) {
	mu := a.pipeline.locks[a.job.Queue]
	mu.Lock()
	defer mu.Unlock()
	if a.job.leaseToken == a.token {
		a.job.Result = v
	}
}

// Cancelled reports whether cancellation was requested for this job
func (a *ActiveJob) Cancelled() bool {
	mu := a.pipeline.locks[a.job.Queue]
	mu.Lock()
	defer mu.Unlock()
	return a.job.cancelled
}
