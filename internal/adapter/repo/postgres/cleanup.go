package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces data retention: terminal jobs and their history
// roll off after the retention window.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes rows older than the retention period. Pending and
// processing jobs are never touched.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tagHistory, err := s.Pool.Exec(ctx, `
		DELETE FROM job_retry_history
		WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN ('completed','failed','cancelled') AND updated_at < $1
		)`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.history: %w", err)
	}

	tagJobs, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}

	tagAudit, err := s.Pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.audit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", tagJobs.RowsAffected()),
		slog.Int64("deleted_history", tagHistory.RowsAffected()),
		slog.Int64("deleted_audit", tagAudit.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup on an interval until ctx is done.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
