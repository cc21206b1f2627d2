package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vendaro/crosslist/internal/domain"
)

func (s *Store) CreateRetryHistory(ctx context.Context, h domain.JobRetryHistory) error {
	ctx, span := otel.Tracer("repo.retry").Start(ctx, "retry.Create")
	defer span.End()
	q := `INSERT INTO job_retry_history (id, job_id, attempt_number, failure_category,
		error_type, error_message, marketplace, retry_delay_ms, next_retry_at,
		processing_duration_ms, outcome, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.Pool.Exec(ctx, q, h.ID, h.JobID, h.AttemptNumber, h.FailureCategory,
		h.ErrorType, h.ErrorMessage, h.Marketplace, h.RetryDelay.Milliseconds(),
		h.NextRetryAt, h.ProcessingDuration.Milliseconds(), h.Outcome, h.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("op=retry.create: %w", err)
	}
	return nil
}

func (s *Store) ListRetryHistory(ctx context.Context, jobID string) ([]domain.JobRetryHistory, error) {
	ctx, span := otel.Tracer("repo.retry").Start(ctx, "retry.List")
	defer span.End()
	q := `SELECT id, job_id, attempt_number, failure_category, error_type, error_message,
		marketplace, retry_delay_ms, next_retry_at, processing_duration_ms, outcome, ts
		FROM job_retry_history WHERE job_id=$1 ORDER BY ts ASC`
	rows, err := s.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=retry.list: %w", err)
	}
	defer rows.Close()

	var out []domain.JobRetryHistory
	for rows.Next() {
		var (
			h          domain.JobRetryHistory
			delayMS    int64
			durationMS int64
		)
		if err := rows.Scan(&h.ID, &h.JobID, &h.AttemptNumber, &h.FailureCategory,
			&h.ErrorType, &h.ErrorMessage, &h.Marketplace, &delayMS, &h.NextRetryAt,
			&durationMS, &h.Outcome, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("op=retry.scan: %w", err)
		}
		h.RetryDelay = time.Duration(delayMS) * time.Millisecond
		h.ProcessingDuration = time.Duration(durationMS) * time.Millisecond
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=retry.rows: %w", err)
	}
	return out, nil
}

func (s *Store) RecentRetryStats(ctx context.Context, marketplace string, since time.Time) (domain.RetryStats, error) {
	ctx, span := otel.Tracer("repo.retry").Start(ctx, "retry.RecentStats")
	defer span.End()
	q := `SELECT COUNT(*), COUNT(*) FILTER (WHERE outcome=$3)
		FROM job_retry_history WHERE marketplace=$1 AND ts >= $2`
	var st domain.RetryStats
	err := s.Pool.QueryRow(ctx, q, marketplace, since.UTC(), domain.RetryOutcomeSuccess).
		Scan(&st.Total, &st.Succeeded)
	if err != nil {
		return domain.RetryStats{}, fmt.Errorf("op=retry.recent_stats: %w", err)
	}
	return st, nil
}

func (s *Store) SaveCircuitStatus(ctx context.Context, c domain.CircuitBreakerStatus) error {
	ctx, span := otel.Tracer("repo.circuit").Start(ctx, "circuit.Save")
	defer span.End()
	q := `INSERT INTO circuit_breaker_state (marketplace, state, failure_count, success_count,
		last_failure_at, last_success_at, opened_at, next_retry_at, half_open_in_flight)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (marketplace) DO UPDATE SET state=$2, failure_count=$3, success_count=$4,
		last_failure_at=$5, last_success_at=$6, opened_at=$7, next_retry_at=$8, half_open_in_flight=$9`
	_, err := s.Pool.Exec(ctx, q, c.Marketplace, c.State, c.FailureCount, c.SuccessCount,
		c.LastFailureAt, c.LastSuccessAt, c.OpenedAt, c.NextRetryAt, c.HalfOpenInFlight)
	if err != nil {
		return fmt.Errorf("op=circuit.save: %w", err)
	}
	return nil
}

func (s *Store) GetCircuitStatus(ctx context.Context, marketplace string) (domain.CircuitBreakerStatus, error) {
	ctx, span := otel.Tracer("repo.circuit").Start(ctx, "circuit.Get")
	defer span.End()
	q := `SELECT marketplace, state, failure_count, success_count, last_failure_at,
		last_success_at, opened_at, next_retry_at, half_open_in_flight
		FROM circuit_breaker_state WHERE marketplace=$1`
	var c domain.CircuitBreakerStatus
	err := s.Pool.QueryRow(ctx, q, marketplace).Scan(&c.Marketplace, &c.State,
		&c.FailureCount, &c.SuccessCount, &c.LastFailureAt, &c.LastSuccessAt,
		&c.OpenedAt, &c.NextRetryAt, &c.HalfOpenInFlight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CircuitBreakerStatus{}, fmt.Errorf("op=circuit.get: %s: %w", marketplace, domain.ErrNotFound)
		}
		return domain.CircuitBreakerStatus{}, fmt.Errorf("op=circuit.get: %w", err)
	}
	return c, nil
}

func (s *Store) ListCircuitStatuses(ctx context.Context) ([]domain.CircuitBreakerStatus, error) {
	ctx, span := otel.Tracer("repo.circuit").Start(ctx, "circuit.List")
	defer span.End()
	q := `SELECT marketplace, state, failure_count, success_count, last_failure_at,
		last_success_at, opened_at, next_retry_at, half_open_in_flight
		FROM circuit_breaker_state ORDER BY marketplace`
	rows, err := s.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=circuit.list: %w", err)
	}
	defer rows.Close()

	var out []domain.CircuitBreakerStatus
	for rows.Next() {
		var c domain.CircuitBreakerStatus
		if err := rows.Scan(&c.Marketplace, &c.State, &c.FailureCount, &c.SuccessCount,
			&c.LastFailureAt, &c.LastSuccessAt, &c.OpenedAt, &c.NextRetryAt, &c.HalfOpenInFlight); err != nil {
			return nil, fmt.Errorf("op=circuit.scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=circuit.rows: %w", err)
	}
	return out, nil
}

func (s *Store) SaveRateLimitWindow(ctx context.Context, w domain.RateLimitWindow) error {
	ctx, span := otel.Tracer("repo.ratelimit").Start(ctx, "ratelimit.Save")
	defer span.End()
	q := `INSERT INTO rate_limit_windows (marketplace, kind, window_start, count, "limit")
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (marketplace, kind, window_start) DO UPDATE SET count=$4, "limit"=$5`
	_, err := s.Pool.Exec(ctx, q, w.Marketplace, w.Kind, w.WindowStart.UTC(), w.Count, w.Limit)
	if err != nil {
		return fmt.Errorf("op=ratelimit.save: %w", err)
	}
	return nil
}

func (s *Store) ListRateLimitWindows(ctx context.Context, marketplace string) ([]domain.RateLimitWindow, error) {
	ctx, span := otel.Tracer("repo.ratelimit").Start(ctx, "ratelimit.List")
	defer span.End()
	q := `SELECT marketplace, kind, window_start, count, "limit"
		FROM rate_limit_windows WHERE marketplace=$1 ORDER BY window_start DESC`
	rows, err := s.Pool.Query(ctx, q, marketplace)
	if err != nil {
		return nil, fmt.Errorf("op=ratelimit.list: %w", err)
	}
	defer rows.Close()

	var out []domain.RateLimitWindow
	for rows.Next() {
		var w domain.RateLimitWindow
		if err := rows.Scan(&w.Marketplace, &w.Kind, &w.WindowStart, &w.Count, &w.Limit); err != nil {
			return nil, fmt.Errorf("op=ratelimit.scan: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ratelimit.rows: %w", err)
	}
	return out, nil
}
