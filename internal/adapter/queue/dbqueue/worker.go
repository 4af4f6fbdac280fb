// Package dbqueue runs the durable FIFO of analysis jobs on top of the jobs
// table. Admission assigns monotonic queue positions; a single logical
// consumer claims the lowest position; stale rows are reclaimed with a refund.
package dbqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/domain"
)

// RunFunc executes one claimed job end to end. An unhandled error must leave
// the row in processing; the stale sweep provides the liveness guarantee.
type RunFunc func(ctx context.Context, job domain.Job)

// Options tune the worker loop.
type Options struct {
	Tick          time.Duration
	StaleAfter    time.Duration
	MaxConcurrent int
	CompactEvery  int
}

// Worker is the single long-lived consumer of the job queue.
type Worker struct {
	jobs     domain.JobRepository
	run      RunFunc
	notifier domain.Notifier
	opts     Options
}

// NewWorker constructs a Worker. notifier may be nil.
func NewWorker(jobs domain.JobRepository, run RunFunc, notifier domain.Notifier, opts Options) *Worker {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.CompactEvery <= 0 {
		opts.CompactEvery = 50
	}
	return &Worker{jobs: jobs, run: run, notifier: notifier, opts: opts}
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Tick)
	defer ticker.Stop()

	slog.Info("queue worker starting",
		slog.Duration("tick", w.opts.Tick),
		slog.Duration("stale_after", w.opts.StaleAfter),
		slog.Int("max_concurrent", w.opts.MaxConcurrent))

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue worker stopping")
			return
		case <-ticker.C:
			iteration++
			w.tickOnce(ctx, iteration)
		}
	}
}

func (w *Worker) tickOnce(ctx context.Context, iteration int) {
	// A claimed job outlives this tick's span; it runs under the loop context.
	base := ctx
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "Worker.tickOnce")
	defer span.End()

	w.sweepStale(ctx)

	if iteration%w.opts.CompactEvery == 0 {
		if err := w.jobs.CompactPositions(ctx); err != nil {
			slog.Error("queue compaction failed", slog.Any("error", err))
		}
	}

	processing, err := w.jobs.CountProcessing(ctx)
	if err != nil {
		slog.Error("queue count failed", slog.Any("error", err))
		return
	}
	if processing >= w.opts.MaxConcurrent {
		span.SetAttributes(attribute.Int("queue.processing", processing))
		return
	}

	job, err := w.jobs.ClaimNext(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("queue claim failed", slog.Any("error", err))
		}
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	observability.JobsProcessing.WithLabelValues("analysis").Inc()
	slog.Info("job claimed",
		slog.String("job_id", job.ID),
		slog.Int64("user_id", job.UserID),
		slog.String("target", job.TargetHandle))

	go func() {
		defer observability.JobsProcessing.WithLabelValues("analysis").Dec()
		defer func() {
			// A panic leaves the row in processing; the stale sweep
			// reclaims it with a refund.
			if rec := recover(); rec != nil {
				slog.Error("job run panicked", slog.String("job_id", job.ID), slog.Any("recover", rec))
			}
		}()
		w.run(base, job)
	}()
}

func (w *Worker) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.opts.StaleAfter)
	reclaimed, err := w.jobs.FailStale(ctx, cutoff)
	if err != nil {
		slog.Error("stale sweep failed", slog.Any("error", err))
		return
	}
	for _, j := range reclaimed {
		observability.JobsFailedTotal.WithLabelValues("stale").Inc()
		slog.Warn("stale job reclaimed",
			slog.String("job_id", j.ID),
			slog.Int64("user_id", j.UserID),
			slog.Duration("stale_after", w.opts.StaleAfter))
		if w.notifier != nil {
			_ = w.notifier.SendText(ctx, j.UserID, "Your analysis timed out and the credit was returned. Please try again.")
			w.notifier.NotifyAdmins(ctx, "job "+j.ID+" reclaimed by stale sweep")
		}
	}
}
