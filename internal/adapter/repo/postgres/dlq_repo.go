package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vendaro/crosslist/internal/domain"
)

var _ domain.Storage = (*Store)(nil)

const letterColumns = `id, original_job_id, job_type, user_id, final_failure_category,
	total_attempts, last_error, payload, requires_manual_review, resolution_status, created_at`

func (s *Store) CreateDeadLetter(ctx context.Context, e domain.DeadLetterEntry) error {
	ctx, span := otel.Tracer("repo.dlq").Start(ctx, "dlq.Create")
	defer span.End()
	q := `INSERT INTO dead_letter_queue (` + letterColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := s.Pool.Exec(ctx, q, e.ID, e.OriginalJobID, e.JobType, e.UserID,
		e.FinalFailureCategory, e.TotalAttempts, e.LastError, e.Payload,
		e.RequiresManualReview, e.ResolutionStatus, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=dlq.create: %w", err)
	}
	return nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (domain.DeadLetterEntry, error) {
	ctx, span := otel.Tracer("repo.dlq").Start(ctx, "dlq.Get")
	defer span.End()
	q := `SELECT ` + letterColumns + ` FROM dead_letter_queue WHERE id=$1`
	var e domain.DeadLetterEntry
	err := s.Pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.OriginalJobID, &e.JobType, &e.UserID,
		&e.FinalFailureCategory, &e.TotalAttempts, &e.LastError, &e.Payload,
		&e.RequiresManualReview, &e.ResolutionStatus, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeadLetterEntry{}, fmt.Errorf("op=dlq.get: entry %s: %w", id, domain.ErrNotFound)
		}
		return domain.DeadLetterEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateDeadLetter(ctx context.Context, e domain.DeadLetterEntry) error {
	ctx, span := otel.Tracer("repo.dlq").Start(ctx, "dlq.Update")
	defer span.End()
	q := `UPDATE dead_letter_queue SET resolution_status=$2 WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, e.ID, e.ResolutionStatus)
	if err != nil {
		return fmt.Errorf("op=dlq.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.update: entry %s: %w", e.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListDeadLettersByUser(ctx context.Context, userID string, limit int) ([]domain.DeadLetterEntry, error) {
	ctx, span := otel.Tracer("repo.dlq").Start(ctx, "dlq.ListByUser")
	defer span.End()
	q := `SELECT ` + letterColumns + ` FROM dead_letter_queue
		WHERE user_id=$1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.OriginalJobID, &e.JobType, &e.UserID,
			&e.FinalFailureCategory, &e.TotalAttempts, &e.LastError, &e.Payload,
			&e.RequiresManualReview, &e.ResolutionStatus, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=dlq.scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetPostingRule(ctx context.Context, marketplace string) (domain.MarketplacePostingRule, error) {
	ctx, span := otel.Tracer("repo.rules").Start(ctx, "rules.Get")
	defer span.End()
	q := `SELECT marketplace, optimal_windows FROM marketplace_posting_rules WHERE marketplace=$1`
	var (
		r   domain.MarketplacePostingRule
		raw []byte
	)
	err := s.Pool.QueryRow(ctx, q, marketplace).Scan(&r.Marketplace, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketplacePostingRule{}, fmt.Errorf("op=rules.get: %s: %w", marketplace, domain.ErrNotFound)
		}
		return domain.MarketplacePostingRule{}, fmt.Errorf("op=rules.get: %w", err)
	}
	if err := json.Unmarshal(raw, &r.OptimalWindows); err != nil {
		return domain.MarketplacePostingRule{}, fmt.Errorf("op=rules.get: %w", err)
	}
	return r, nil
}

func (s *Store) UpsertPostingRule(ctx context.Context, r domain.MarketplacePostingRule) error {
	ctx, span := otel.Tracer("repo.rules").Start(ctx, "rules.Upsert")
	defer span.End()
	raw, err := json.Marshal(r.OptimalWindows)
	if err != nil {
		return fmt.Errorf("op=rules.upsert: %w", err)
	}
	q := `INSERT INTO marketplace_posting_rules (marketplace, optimal_windows)
		VALUES ($1,$2)
		ON CONFLICT (marketplace) DO UPDATE SET optimal_windows=$2`
	if _, err := s.Pool.Exec(ctx, q, r.Marketplace, raw); err != nil {
		return fmt.Errorf("op=rules.upsert: %w", err)
	}
	return nil
}

func (s *Store) CreateAnalytics(ctx context.Context, a domain.PostingSuccessAnalytics) error {
	ctx, span := otel.Tracer("repo.analytics").Start(ctx, "analytics.Create")
	defer span.End()
	q := `INSERT INTO posting_success_analytics (user_id, marketplace, listing_id, posted_at,
		day_of_week, hour_of_day, views, likes, messages, sold, days_to_sell,
		success_score, engagement_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.Pool.Exec(ctx, q, a.UserID, a.Marketplace, a.ListingID, a.PostedAt.UTC(),
		a.DayOfWeek, a.HourOfDay, a.Views, a.Likes, a.Messages, a.Sold, a.DaysToSell,
		a.SuccessScore, a.EngagementScore)
	if err != nil {
		return fmt.Errorf("op=analytics.create: %w", err)
	}
	return nil
}

func (s *Store) ListAnalytics(ctx context.Context, userID, marketplace string, limit int) ([]domain.PostingSuccessAnalytics, error) {
	ctx, span := otel.Tracer("repo.analytics").Start(ctx, "analytics.List")
	defer span.End()
	q := `SELECT user_id, marketplace, listing_id, posted_at, day_of_week, hour_of_day,
		views, likes, messages, sold, days_to_sell, success_score, engagement_score
		FROM posting_success_analytics
		WHERE user_id=$1 AND marketplace=$2 ORDER BY posted_at DESC LIMIT $3`
	rows, err := s.Pool.Query(ctx, q, userID, marketplace, limit)
	if err != nil {
		return nil, fmt.Errorf("op=analytics.list: %w", err)
	}
	defer rows.Close()

	var out []domain.PostingSuccessAnalytics
	for rows.Next() {
		var a domain.PostingSuccessAnalytics
		if err := rows.Scan(&a.UserID, &a.Marketplace, &a.ListingID, &a.PostedAt,
			&a.DayOfWeek, &a.HourOfDay, &a.Views, &a.Likes, &a.Messages, &a.Sold,
			&a.DaysToSell, &a.SuccessScore, &a.EngagementScore); err != nil {
			return nil, fmt.Errorf("op=analytics.scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=analytics.rows: %w", err)
	}
	return out, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, a domain.AuditLog) error {
	ctx, span := otel.Tracer("repo.audit").Start(ctx, "audit.Create")
	defer span.End()
	q := `INSERT INTO audit_logs (id, user_id, action, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.Pool.Exec(ctx, q, a.ID, a.UserID, a.Action, a.Detail, a.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("op=audit.create: %w", err)
	}
	return nil
}
