// Package dlq manages the dead-letter queue: jobs that ran out of retries on
// a retryable failure land here for manual review and replay.
package dlq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// Service owns dead-letter lifecycle. Entries are created by the worker and
// acted on through the admin surface.
type Service struct {
	clock clockx.Clock
	ids   clockx.IDGenerator
	store domain.DeadLetterStore
	jobs  domain.JobStore
	audit domain.AuditStore

	replayMaxAttempts int
}

func New(clock clockx.Clock, ids clockx.IDGenerator, store domain.DeadLetterStore, jobs domain.JobStore, audit domain.AuditStore, replayMaxAttempts int) *Service {
	return &Service{
		clock:             clock,
		ids:               ids,
		store:             store,
		jobs:              jobs,
		audit:             audit,
		replayMaxAttempts: replayMaxAttempts,
	}
}

// manualReviewCategories are failure classes a machine retry cannot fix
// without an operator or user looking first.
var manualReviewCategories = map[domain.FailureCategory]bool{
	domain.FailureAuth:       true,
	domain.FailureValidation: true,
	domain.FailureUnknown:    true,
}

// Create writes a dead-letter entry for a job whose retries are exhausted.
func (s *Service) Create(ctx context.Context, job domain.Job, analysis domain.FailureAnalysis, lastError string) (domain.DeadLetterEntry, error) {
	entry := domain.DeadLetterEntry{
		ID:                   s.ids.NewID(),
		OriginalJobID:        job.ID,
		JobType:              job.Type,
		UserID:               job.UserID,
		FinalFailureCategory: analysis.Category,
		TotalAttempts:        job.Attempts,
		LastError:            lastError,
		Payload:              job.Data,
		RequiresManualReview: analysis.RequiresUserIntervention || manualReviewCategories[analysis.Category],
		ResolutionStatus:     domain.DLQPending,
		CreatedAt:            s.clock.Now(),
	}
	if err := s.store.CreateDeadLetter(ctx, entry); err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("op=dlq.create: %w", err)
	}
	slog.Warn("job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("category", string(analysis.Category)),
		slog.Bool("manual_review", entry.RequiresManualReview))
	return entry, nil
}

// ListByUser returns the user's entries, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]domain.DeadLetterEntry, error) {
	entries, err := s.store.ListDeadLettersByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	return entries, nil
}

// Resolve marks a pending entry handled without re-running it.
func (s *Service) Resolve(ctx context.Context, id string) (domain.DeadLetterEntry, error) {
	return s.transition(ctx, id, domain.DLQResolved, "dlq_resolved")
}

// Discard marks a pending entry as not worth replaying.
func (s *Service) Discard(ctx context.Context, id string) (domain.DeadLetterEntry, error) {
	return s.transition(ctx, id, domain.DLQDiscarded, "dlq_discarded")
}

func (s *Service) transition(ctx context.Context, id string, to domain.DLQResolution, action string) (domain.DeadLetterEntry, error) {
	entry, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	if entry.ResolutionStatus != domain.DLQPending {
		return domain.DeadLetterEntry{}, fmt.Errorf("op=dlq.transition: entry %s already %s: %w",
			id, entry.ResolutionStatus, domain.ErrConflict)
	}
	entry.ResolutionStatus = to
	if err := s.store.UpdateDeadLetter(ctx, entry); err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("op=dlq.update: %w", err)
	}
	s.auditLog(ctx, entry.UserID, action, entry.ID)
	return entry, nil
}

// Replay clones the entry's payload into a fresh job with a clean attempt
// counter and marks the entry resolved.
func (s *Service) Replay(ctx context.Context, id string) (domain.Job, error) {
	entry, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	if entry.ResolutionStatus != domain.DLQPending {
		return domain.Job{}, fmt.Errorf("op=dlq.replay: entry %s already %s: %w",
			id, entry.ResolutionStatus, domain.ErrConflict)
	}

	now := s.clock.Now()
	job := domain.Job{
		ID:           s.ids.NewJobID(),
		UserID:       entry.UserID,
		Type:         entry.JobType,
		Data:         entry.Payload,
		Priority:     5,
		Status:       domain.JobPending,
		Attempts:     0,
		MaxAttempts:  s.replayMaxAttempts,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=dlq.replay: %w", err)
	}

	entry.ResolutionStatus = domain.DLQResolved
	if err := s.store.UpdateDeadLetter(ctx, entry); err != nil {
		return domain.Job{}, fmt.Errorf("op=dlq.replay: %w", err)
	}
	s.auditLog(ctx, entry.UserID, "dlq_replayed", entry.ID)
	slog.Info("dead-letter replayed",
		slog.String("entry_id", entry.ID), slog.String("new_job_id", job.ID))
	return job, nil
}

func (s *Service) auditLog(ctx context.Context, userID, action, detail string) {
	if s.audit == nil {
		return
	}
	log := domain.AuditLog{
		ID:        s.ids.NewID(),
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		slog.Debug("audit write failed", slog.String("action", action), slog.Any("error", err))
	}
}
