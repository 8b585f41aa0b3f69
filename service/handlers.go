package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/format"
	"github.com/c360/renderflow/pipeline"
)

func (a *App) registerHandlers() error {
	handlers := map[pipeline.Queue]pipeline.Handler{
		pipeline.QueueSingle:  a.handleGenerate,
		pipeline.QueueBatch:   a.handleBatch,
		pipeline.QueueWebhook: a.handleWebhook,
	}
	for queue, handler := range handlers {
		if err := a.pipeline.RegisterHandler(queue, handler); err != nil {
			return err
		}
	}
	return nil
}

// keepAlive renews the job's lease while the handler sits in a blocking
// renderer or receiver call. The returned stop function must run before
// the handler returns.
func (a *App) keepAlive(job *pipeline.ActiveJob) func() {
	interval := a.pipeline.LeaseTimeout() / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				job.Heartbeat()
			}
		}
	}()
	return func() { close(done) }
}

// terminalFailure reports whether err ends the job instead of
// requeueing it for another attempt
func terminalFailure(job *pipeline.ActiveJob, err error) bool {
	if !errors.IsTransient(err) {
		return true
	}
	return job.Attempt() >= job.MaxAttempts()
}

// callbackEvent is the JSON body posted to a job's callback URL once the
// job reaches a terminal state
type callbackEvent struct {
	JobID   string         `json:"jobId"`
	Queue   pipeline.Queue `json:"queue"`
	State   pipeline.State `json:"state"`
	Attempt int            `json:"attempt"`
	Error   string         `json:"error,omitempty"`
}

// enqueueCallback submits a webhook job announcing the job's terminal
// state. The request id is pinned to the originating job id so retried
// deliveries of the same event stay deduplicatable at the receiver.
func (a *App) enqueueCallback(ctx context.Context, job *pipeline.ActiveJob, callbackURL string, state pipeline.State, jobErr error) {
	if callbackURL == "" {
		return
	}

	event := "render.completed"
	errMsg := ""
	if state == pipeline.StateFailed {
		event = "render.failed"
		if jobErr != nil {
			errMsg = jobErr.Error()
		}
	}

	body, err := json.Marshal(callbackEvent{
		JobID:   job.ID(),
		Queue:   job.Queue(),
		State:   state,
		Attempt: job.Attempt(),
		Error:   errMsg,
	})
	if err != nil {
		a.logger.Warn("callback body encode failed", "job_id", job.ID(), "error", err)
		return
	}

	if _, err := a.pipeline.Submit(ctx, pipeline.QueueWebhook, pipeline.WebhookPayload{
		URL:       callbackURL,
		EventType: event,
		Body:      body,
		RequestID: job.ID(),
	}, pipeline.SubmitOptions{}); err != nil {
		a.logger.Warn("callback enqueue failed",
			"job_id", job.ID(),
			"url", callbackURL,
			"error", err)
	}
}

// handleGenerate renders a single (content, format) pair
func (a *App) handleGenerate(ctx context.Context, job *pipeline.ActiveJob) error {
	payload, ok := job.Payload().(pipeline.GeneratePayload)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "App", "handleGenerate",
			fmt.Sprintf("unexpected payload type %T", job.Payload()))
	}

	stop := a.keepAlive(job)
	defer stop()

	job.SetProgress(10)
	result := a.orchestrator.Generate(ctx, format.Request{
		Content: payload.Content,
		Kind:    payload.Kind,
		Format:  payload.Format,
		Options: payload.Options,
	})
	job.SetResult(result)
	if !result.OK {
		if terminalFailure(job, result.Err) {
			a.enqueueCallback(ctx, job, payload.CallbackURL, pipeline.StateFailed, result.Err)
		}
		return result.Err
	}
	a.enqueueCallback(ctx, job, payload.CallbackURL, pipeline.StateCompleted, nil)
	return nil
}

// handleBatch renders one content string into several formats. A batch
// with at least one successful format counts as completed; the per-item
// failures stay visible in the stored result.
func (a *App) handleBatch(ctx context.Context, job *pipeline.ActiveJob) error {
	payload, ok := job.Payload().(pipeline.BatchPayload)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "App", "handleBatch",
			fmt.Sprintf("unexpected payload type %T", job.Payload()))
	}

	stop := a.keepAlive(job)
	defer stop()

	job.SetProgress(10)
	batch := a.orchestrator.GenerateBatch(ctx, payload.Content, payload.Kind, payload.Formats, payload.Options)
	job.SetResult(batch)

	if batch.Succeeded == 0 {
		var batchErr error
		for _, r := range batch.Results {
			if r.Err != nil {
				batchErr = r.Err
				break
			}
		}
		if batchErr == nil {
			batchErr = errors.WrapTransient(errors.ErrRendererUnavailable, "App", "handleBatch", "no format succeeded")
		}
		if terminalFailure(job, batchErr) {
			a.enqueueCallback(ctx, job, payload.CallbackURL, pipeline.StateFailed, batchErr)
		}
		return batchErr
	}
	a.enqueueCallback(ctx, job, payload.CallbackURL, pipeline.StateCompleted, nil)
	return nil
}

// handleWebhook posts an event to a subscriber endpoint. The deliverer
// runs its own short escalation schedule per attempt; attempts here are
// the outer retry layer across worker invocations, and the request id
// stays stable across all of them.
func (a *App) handleWebhook(ctx context.Context, job *pipeline.ActiveJob) error {
	payload, ok := job.Payload().(pipeline.WebhookPayload)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "App", "handleWebhook",
			fmt.Sprintf("unexpected payload type %T", job.Payload()))
	}

	stop := a.keepAlive(job)
	defer stop()

	requestID := payload.RequestID
	if requestID == "" {
		requestID = job.ID()
	}

	job.SetProgress(10)
	outcome := a.deliverer.DeliverAs(ctx, requestID, payload.URL, payload.EventType, payload.Body)
	job.SetResult(outcome)

	if outcome.Delivered {
		return nil
	}
	if outcome.Attempts == 0 {
		// No attempt was made, the destination itself was rejected.
		// Retrying cannot help.
		return errors.WrapInvalid(errors.ErrInvalidDestination, "App", "handleWebhook", outcome.Error)
	}
	return errors.WrapTransient(errors.ErrDeliveryFailed, "App", "handleWebhook",
		fmt.Sprintf("last status %d after %d attempts", outcome.LastStatus, outcome.Attempts))
}
