// Package worker runs the job loop: claim due jobs, guard them with the
// circuit breaker, dispatch to processors, and route failures through the
// retry engine or the dead-letter queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/processor"
	"github.com/vendaro/crosslist/internal/service/breaker"
	"github.com/vendaro/crosslist/internal/service/dlq"
	"github.com/vendaro/crosslist/internal/service/failure"
	"github.com/vendaro/crosslist/internal/service/retrystrategy"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// Metrics is the observability hook; all methods must be cheap. A nil
// Metrics disables instrumentation.
type Metrics interface {
	JobClaimed(jobType string)
	JobCompleted(jobType string, d time.Duration)
	JobFailed(jobType, category string)
	JobRescheduled(jobType, reason string)
	JobDeadLettered(jobType string)
}

// Config bounds the loop.
type Config struct {
	TickInterval time.Duration
	PoolSize     int
	BatchSize    int
	JobTimeout   time.Duration
}

// Worker is one loop instance. Multiple workers may run against the same
// store; the atomic claim arbitrates.
type Worker struct {
	cfg         Config
	clock       clockx.Clock
	ids         clockx.IDGenerator
	store       domain.Storage
	procs       *processor.Registry
	breaker     *breaker.Breaker
	categorizer *failure.Categorizer
	strategy    *retrystrategy.Engine
	letters     *dlq.Service
	bus         domain.ProgressBus
	metrics     Metrics
}

func New(cfg Config, clock clockx.Clock, ids clockx.IDGenerator, store domain.Storage,
	procs *processor.Registry, brk *breaker.Breaker, cat *failure.Categorizer,
	strategy *retrystrategy.Engine, letters *dlq.Service, bus domain.ProgressBus, metrics Metrics) *Worker {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Worker{
		cfg:         cfg,
		clock:       clock,
		ids:         ids,
		store:       store,
		procs:       procs,
		breaker:     brk,
		categorizer: cat,
		strategy:    strategy,
		letters:     letters,
		bus:         bus,
		metrics:     metrics,
	}
}

// Run ticks until ctx is done. Ticks are independent: a slow batch never
// delays the next tick.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker loop starting",
		slog.Duration("tick", w.cfg.TickInterval),
		slog.Int("pool", w.cfg.PoolSize))
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	go w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker loop stopping")
			return
		case <-ticker.C:
			go w.Tick(ctx)
		}
	}
}

// Tick claims and processes one batch of due jobs with bounded concurrency.
func (w *Worker) Tick(ctx context.Context) {
	due, err := w.store.ListDueJobs(ctx, w.clock.Now(), w.cfg.BatchSize)
	if err != nil {
		slog.Error("due job listing failed", slog.Any("error", err))
		return
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, w.cfg.PoolSize)
	for _, job := range due {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		go func(id string) {
			defer func() { <-sem }()
			w.RunJob(ctx, id)
		}(job.ID)
	}
	for i := 0; i < w.cfg.PoolSize; i++ {
		sem <- struct{}{}
	}
}

// RunJob claims and executes a single job end to end.
func (w *Worker) RunJob(ctx context.Context, id string) {
	job, ok, err := w.store.ClaimJob(ctx, id, w.clock.Now())
	if err != nil {
		slog.Error("job claim failed", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	if !ok {
		return // another worker won, or the job was cancelled
	}
	if w.metrics != nil {
		w.metrics.JobClaimed(string(job.Type))
	}
	w.publish(ctx, job.UserID, domain.EventJobStatus, map[string]any{
		"job_id": job.ID, "status": "started", "attempt": job.Attempts,
	})

	marketplace := firstMarketplace(job)
	if marketplace != "" {
		decision := w.breaker.ShouldAllow(ctx, marketplace)
		if !decision.Allowed {
			// A breaker denial is a reschedule, not a failure; give back the
			// attempt consumed by the claim.
			job.Attempts--
			w.reschedule(ctx, job, decision.NextRetryAt, fmt.Sprintf("circuit %s on %s", decision.State, marketplace))
			return
		}
	}

	proc, err := w.procs.Lookup(job.Type)
	if err != nil {
		w.failPermanently(ctx, job, err, domain.FailureAnalysis{Category: domain.FailurePermanent, ErrorType: "unroutable"})
		return
	}

	started := w.clock.Now()
	procCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	procErr := proc.Process(procCtx, &job)
	elapsed := w.clock.Now().Sub(started)

	switch {
	case procErr == nil:
		w.complete(ctx, job, marketplace, elapsed)
	default:
		var resched *domain.RescheduleError
		if errors.As(procErr, &resched) {
			// Not a failure: give back the attempt consumed by the claim.
			job.Attempts--
			w.reschedule(ctx, job, resched.At, resched.Reason)
			return
		}
		w.fail(ctx, job, marketplace, procErr, elapsed)
	}
}

func (w *Worker) complete(ctx context.Context, job domain.Job, marketplace string, elapsed time.Duration) {
	if marketplace != "" {
		w.breaker.RecordSuccess(ctx, marketplace)
	}
	now := w.clock.Now()
	job.Status = domain.JobCompleted
	job.Progress = 100
	job.ErrorMessage = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		slog.Error("job completion update failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	w.recordOutcome(ctx, job, marketplace, domain.RetryOutcomeSuccess, "", elapsed)
	if w.metrics != nil {
		w.metrics.JobCompleted(string(job.Type), elapsed)
	}
	w.publish(ctx, job.UserID, domain.EventJobStatus, map[string]any{
		"job_id": job.ID, "status": "completed",
	})
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.Duration("elapsed", elapsed))
}

func (w *Worker) fail(ctx context.Context, job domain.Job, marketplace string, procErr error, elapsed time.Duration) {
	analysis := w.categorizer.Categorize(failure.Input{
		Err:         procErr,
		Marketplace: marketplace,
		Attempt:     job.Attempts,
		Now:         w.clock.Now(),
	})
	if analysis.CircuitBreakerEnabled && marketplace != "" {
		w.breaker.RecordFailure(ctx, marketplace)
	}

	decision := w.strategy.Decide(ctx, retrystrategy.Input{
		Job:                job,
		Err:                procErr,
		Analysis:           analysis,
		Marketplace:        marketplace,
		ProcessingDuration: elapsed,
	})

	switch {
	case decision.ShouldRetry:
		job.ErrorMessage = procErr.Error()
		w.reschedule(ctx, job, decision.NextAttemptAt, decision.Reason)
		if w.metrics != nil {
			w.metrics.JobFailed(string(job.Type), string(analysis.Category))
		}

	case decision.MaxRetriesReached && analysis.Category.Retryable():
		if _, err := w.letters.Create(ctx, job, analysis, procErr.Error()); err != nil {
			slog.Error("dead-letter create failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		if w.metrics != nil {
			w.metrics.JobDeadLettered(string(job.Type))
		}
		w.failPermanently(ctx, job, procErr, analysis)

	default:
		w.audit(ctx, job.UserID, "job_failed_permanent", job.ID)
		if w.metrics != nil {
			w.metrics.JobFailed(string(job.Type), string(analysis.Category))
		}
		w.failPermanently(ctx, job, procErr, analysis)
	}
}

func (w *Worker) reschedule(ctx context.Context, job domain.Job, at time.Time, reason string) {
	now := w.clock.Now()
	job.Status = domain.JobPending
	job.ScheduledFor = at
	job.StartedAt = nil
	job.UpdatedAt = now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		slog.Error("job reschedule failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if w.metrics != nil {
		w.metrics.JobRescheduled(string(job.Type), reason)
	}
	w.publish(ctx, job.UserID, domain.EventJobStatus, map[string]any{
		"job_id": job.ID, "status": "rescheduled", "scheduled_for": at, "reason": reason,
	})
	slog.Info("job rescheduled",
		slog.String("job_id", job.ID),
		slog.Time("scheduled_for", at),
		slog.String("reason", reason))
}

func (w *Worker) failPermanently(ctx context.Context, job domain.Job, procErr error, analysis domain.FailureAnalysis) {
	now := w.clock.Now()
	job.Status = domain.JobFailed
	job.ErrorMessage = procErr.Error()
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		slog.Error("job failure update failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	w.publish(ctx, job.UserID, domain.EventJobStatus, map[string]any{
		"job_id": job.ID, "status": "failed", "category": string(analysis.Category),
	})
	slog.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("category", string(analysis.Category)),
		slog.String("error", procErr.Error()))
}

// recordOutcome writes a history row for terminal successes; failure rows are
// written by the retry engine.
func (w *Worker) recordOutcome(ctx context.Context, job domain.Job, marketplace string, outcome domain.RetryOutcome, msg string, elapsed time.Duration) {
	row := domain.JobRetryHistory{
		ID:                 w.ids.NewID(),
		JobID:              job.ID,
		AttemptNumber:      job.Attempts,
		Marketplace:        marketplace,
		ErrorMessage:       msg,
		ProcessingDuration: elapsed,
		Outcome:            outcome,
		Timestamp:          w.clock.Now(),
	}
	if err := w.store.CreateRetryHistory(ctx, row); err != nil {
		slog.Debug("history write failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (w *Worker) publish(ctx context.Context, userID, typ string, data map[string]any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(ctx, userID, domain.ProgressEvent{Type: typ, Data: data, Ts: w.clock.Now()})
}

func (w *Worker) audit(ctx context.Context, userID, action, detail string) {
	_ = w.store.CreateAuditLog(ctx, domain.AuditLog{
		ID:        w.ids.NewID(),
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		CreatedAt: w.clock.Now(),
	})
}

func firstMarketplace(job domain.Job) string {
	if ms := job.Marketplaces(); len(ms) > 0 {
		return ms[0]
	}
	return ""
}
