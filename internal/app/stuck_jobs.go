package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// StuckJobSweeper returns processing jobs back to pending when their worker
// died mid-flight. The claim already counted an attempt, so the sweep does
// not consume another one.
type StuckJobSweeper struct {
	jobs             domain.JobStore
	clock            clockx.Clock
	maxProcessingAge time.Duration
	interval         time.Duration
}

func NewStuckJobSweeper(jobs domain.JobStore, clock clockx.Clock, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		jobs:             jobs,
		clock:            clock,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans processing jobs and requeues those past the age limit.
func (s *StuckJobSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.SweepOnce")
	defer span.End()

	const pageSize = 100
	now := s.clock.Now()
	cutoff := now.Add(-s.maxProcessingAge)

	jobs, err := s.jobs.ListJobsByStatus(ctx, domain.JobProcessing, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	requeued := 0
	for _, j := range jobs {
		started := j.UpdatedAt
		if j.StartedAt != nil {
			started = *j.StartedAt
		}
		if !started.Before(cutoff) {
			continue
		}
		j.Status = domain.JobPending
		j.StartedAt = nil
		j.ScheduledFor = now
		j.UpdatedAt = now
		if err := s.jobs.UpdateJob(ctx, j); err != nil {
			slog.Error("stuck job requeue failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		requeued++
		slog.Warn("stuck job returned to queue",
			slog.String("job_id", j.ID),
			slog.Time("started_at", started))
	}
	span.SetAttributes(
		attribute.Int("jobs.checked", len(jobs)),
		attribute.Int("jobs.requeued", requeued),
	)
}
