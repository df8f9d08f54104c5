// Package worker consumes job envelopes from the broker and drives
// each job through the simulation pipeline, owning every state
// transition after submission.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"floodtwin/internal/broker"
	"floodtwin/internal/config"
	"floodtwin/internal/metrics"
	"floodtwin/internal/model"
	"floodtwin/internal/pipeline"
	"floodtwin/internal/store"
)

// errSuperseded means the job left the running state under our feet,
// so this execution no longer owns it.
var errSuperseded = errors.New("job state superseded by another writer")

// Pool runs a fixed number of workers plus a background sweeper that
// recovers expired deliveries and applies retention cleanup. The pool
// size is the admission-control knob for simulation load; it never
// grows.
type Pool struct {
	cfg      *config.Config
	store    store.Store
	broker   broker.Broker
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func NewPool(cfg *config.Config, st store.Store, br broker.Broker, pl *pipeline.Pipeline, logger *slog.Logger) *Pool {
	return &Pool{cfg: cfg, store: st, broker: br, pipeline: pl, logger: logger}
}

// Start runs the pool until ctx is cancelled. Callers typically run
// this in its own goroutine and keep the process alive.
func (p *Pool) Start(ctx context.Context) {
	size := p.cfg.Worker.PoolSize
	if size <= 0 {
		size = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweep(ctx)
	}()

	wg.Wait()
}

// consume is one worker's dequeue loop. Broker errors are retried with
// backoff so a Redis blip does not kill the worker.
func (p *Pool) consume(ctx context.Context, id int) {
	log := p.logger.With("worker", id)

	for ctx.Err() == nil {
		var d *broker.Delivery
		backoff := retry.WithCappedDuration(30*time.Second, retry.NewFibonacci(500*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var derr error
			d, derr = p.broker.Dequeue(ctx, p.cfg.Broker.DequeueTimeout())
			if derr != nil {
				log.Warn("dequeue failed", "error", derr)
				return retry.RetryableError(derr)
			}
			return nil
		})
		if err != nil {
			// ctx cancelled; loop condition exits.
			continue
		}
		if d == nil {
			// Idle timeout, poll again.
			continue
		}

		p.process(ctx, log, d)
	}
}

// process drives one delivery through the job state machine. Exactly
// one execution wins the queued -> running swap per attempt; everyone
// else treats the delivery as a duplicate and acks it away.
func (p *Pool) process(ctx context.Context, log *slog.Logger, d *broker.Delivery) {
	log = log.With("job", d.JobID)

	job, err := p.store.Get(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// Record deleted (retention or manual); drop the envelope.
			_ = p.broker.Ack(ctx, d)
			return
		}
		log.Error("load job failed", "error", err)
		_ = p.broker.Nack(ctx, d, true)
		return
	}

	if job.State.Terminal() {
		// Duplicate delivery of a finished job.
		_ = p.broker.Ack(ctx, d)
		return
	}

	if job.CancelRequested && job.State == model.StateQueued {
		if _, _, err := p.store.CompareAndSwap(ctx, job.ID, model.StateQueued, (*model.Job).MarkCancelled); err != nil {
			log.Error("cancel queued job failed", "error", err)
		} else {
			metrics.RecordTransition(string(model.StateCancelled))
			log.Info("job cancelled before execution")
		}
		_ = p.broker.Ack(ctx, d)
		return
	}

	running, swapped, err := p.store.CompareAndSwap(ctx, job.ID, model.StateQueued, (*model.Job).MarkRunning)
	if err != nil {
		log.Error("claim job failed", "error", err)
		_ = p.broker.Nack(ctx, d, true)
		return
	}
	if !swapped {
		// Lost the claim race to another delivery of the same attempt.
		_ = p.broker.Ack(ctx, d)
		return
	}
	metrics.RecordTransition(string(model.StateRunning))
	log.Info("job started", "attempt", running.Attempt)

	result, runErr := p.pipeline.Run(ctx, running, p.boundary(running.ID))
	p.finish(ctx, log, d, running, result, runErr)
}

// boundary is invoked between stages: it surfaces a pending
// cancellation request and records stage progress. Cancellation is
// only observed here, so a stage that already started runs to its own
// completion or timeout.
func (p *Pool) boundary(id uuid.UUID) pipeline.Boundary {
	return func(ctx context.Context, stage model.Stage) error {
		job, err := p.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.CancelRequested {
			return model.ErrCancelRequested
		}
		if job.State != model.StateRunning {
			return errSuperseded
		}
		_, swapped, err := p.store.CompareAndSwap(ctx, job.ID, model.StateRunning, func(j *model.Job) error {
			return j.AdvanceStage(stage)
		})
		if err != nil {
			return err
		}
		if !swapped {
			return errSuperseded
		}
		return nil
	}
}

// finish applies the terminal (or requeue) transition for a completed
// execution and settles the delivery.
func (p *Pool) finish(ctx context.Context, log *slog.Logger, d *broker.Delivery, job *model.Job, result *model.Result, runErr error) {
	switch {
	case runErr == nil:
		_, swapped, err := p.store.CompareAndSwap(ctx, job.ID, model.StateRunning, func(j *model.Job) error {
			return j.MarkSucceeded(result)
		})
		if err != nil {
			log.Error("record success failed", "error", err)
			_ = p.broker.Nack(ctx, d, true)
			return
		}
		if swapped {
			metrics.RecordTransition(string(model.StateSucceeded))
			log.Info("job succeeded", "attempt", job.Attempt)
		}
		_ = p.broker.Ack(ctx, d)

	case errors.Is(runErr, model.ErrCancelRequested):
		_, swapped, err := p.store.CompareAndSwap(ctx, job.ID, model.StateRunning, (*model.Job).MarkCancelled)
		if err != nil {
			log.Error("record cancellation failed", "error", err)
			_ = p.broker.Nack(ctx, d, true)
			return
		}
		if swapped {
			metrics.RecordTransition(string(model.StateCancelled))
			log.Info("job cancelled", "attempt", job.Attempt)
		}
		_ = p.broker.Ack(ctx, d)

	case errors.Is(runErr, errSuperseded):
		_ = p.broker.Ack(ctx, d)

	default:
		se := model.ClassifyStageError("", runErr)
		if se.Kind.Retryable() && !job.AttemptsExhausted() {
			_, swapped, err := p.store.CompareAndSwap(ctx, job.ID, model.StateRunning, (*model.Job).MarkRequeued)
			if err != nil || !swapped {
				log.Error("requeue for retry failed", "error", err)
				_ = p.broker.Nack(ctx, d, true)
				return
			}
			metrics.RecordRetry()
			metrics.RecordTransition(string(model.StateQueued))
			log.Warn("attempt failed, retrying",
				"attempt", job.Attempt, "maxAttempts", job.MaxAttempts,
				"stage", se.Stage, "kind", se.Kind, "error", se.Err)
			_ = p.broker.Nack(ctx, d, true)
			return
		}

		detail := se.Detail()
		if errors.Is(runErr, context.Canceled) {
			// Worker shutdown mid-run: leave the job for redelivery
			// rather than failing it.
			_, _, _ = p.store.CompareAndSwap(ctx, job.ID, model.StateRunning, (*model.Job).MarkRequeued)
			_ = p.broker.Nack(context.WithoutCancel(ctx), d, true)
			return
		}
		_, swapped, err := p.store.CompareAndSwap(ctx, job.ID, model.StateRunning, func(j *model.Job) error {
			return j.MarkFailed(detail)
		})
		if err != nil {
			log.Error("record failure failed", "error", err)
			_ = p.broker.Nack(ctx, d, true)
			return
		}
		if swapped {
			metrics.RecordTransition(string(model.StateFailed))
			metrics.RecordFailure(string(se.Kind), string(se.Stage))
			log.Error("job failed",
				"attempt", job.Attempt, "stage", se.Stage, "kind", se.Kind, "error", se.Err)
		}
		_ = p.broker.Ack(ctx, d)
	}
}

// recoverStaleRuns requeues running jobs untouched for longer than the
// whole pipeline's time budget. A stage boundary or terminal
// transition always touches updated_at, so only a worker that died
// mid-run leaves a record that stale. The record gets a fresh attempt
// rather than resuming the dead one; stages re-run from scratch.
func (p *Pool) recoverStaleRuns(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-(p.cfg.Pipeline.TotalBudget() + p.cfg.Broker.SweepInterval()))
	ids, err := p.store.StaleInState(ctx, model.StateRunning, cutoff)
	if err != nil {
		p.logger.Warn("stale run scan failed", "error", err)
		return
	}

	for _, id := range ids {
		job, swapped, err := p.store.CompareAndSwap(ctx, id, model.StateRunning, (*model.Job).MarkRequeued)
		if err != nil || !swapped {
			continue
		}
		// If this enqueue fails the record is now a stranded queued
		// row, which the queued scan below picks up on a later pass.
		if err := p.broker.Enqueue(ctx, broker.Envelope{JobID: id, Attempt: job.Attempt + 1}); err != nil {
			p.logger.Warn("re-enqueue recovered job failed", "job", id, "error", err)
			continue
		}
		metrics.RecordTransition(string(model.StateQueued))
		p.logger.Warn("recovered abandoned job", "job", id, "lastAttempt", job.Attempt)
	}
}

// requeueStrandedQueued re-enqueues queued jobs whose record has not
// been touched for longer than the visibility timeout. A healthy
// queued job either gets dequeued within that window or already has a
// pending envelope; a record older than the cutoff may have lost its
// envelope (enqueue failed after the row was written). Re-enqueueing a
// job that still has one only produces a duplicate delivery, which
// loses the queued -> running swap and is acked away.
func (p *Pool) requeueStrandedQueued(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-(p.cfg.Broker.VisibilityTimeout() + p.cfg.Broker.SweepInterval()))
	ids, err := p.store.StaleInState(ctx, model.StateQueued, cutoff)
	if err != nil {
		p.logger.Warn("stranded queued scan failed", "error", err)
		return
	}

	for _, id := range ids {
		// Touch first so the record leaves the stale window and is
		// not re-enqueued again on every sweep while it waits.
		job, swapped, err := p.store.CompareAndSwap(ctx, id, model.StateQueued, func(j *model.Job) error {
			j.Touch()
			return nil
		})
		if err != nil || !swapped {
			continue
		}
		if err := p.broker.Enqueue(ctx, broker.Envelope{JobID: id, Attempt: job.Attempt + 1}); err != nil {
			p.logger.Warn("re-enqueue stranded job failed", "job", id, "error", err)
			continue
		}
		p.logger.Warn("re-enqueued stranded queued job", "job", id)
	}
}

// sweep periodically recovers deliveries whose visibility timeout
// lapsed and applies retention cleanup.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Broker.SweepInterval())
	defer ticker.Stop()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(p.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := p.broker.RequeueExpired(ctx); err != nil {
			p.logger.Warn("requeue expired deliveries failed", "error", err)
		} else if n > 0 {
			p.logger.Info("recovered expired deliveries", "count", n)
		}

		p.recoverStaleRuns(ctx)
		p.requeueStrandedQueued(ctx)

		if p.cfg.Retention.Enabled {
			now := time.Now().UTC()
			if lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval {
				CleanupExpiredJobs(ctx, p.cfg, p.store, p.logger)
				lastCleanup = now
			}
		}
	}
}
