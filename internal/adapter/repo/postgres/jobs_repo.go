package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vendaro/crosslist/internal/domain"
)

const jobColumns = `id, user_id, type, data, priority, status, attempts, max_attempts,
	progress, result, error_message, scheduled_for, started_at, completed_at,
	marketplace_group, scheduling_metadata, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, j domain.Job) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Create")
	defer span.End()
	meta, err := encodeMeta(j.SchedulingMetadata)
	if err != nil {
		return fmt.Errorf("op=jobs.create: %w", err)
	}
	q := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err = s.Pool.Exec(ctx, q,
		j.ID, j.UserID, j.Type, j.Data, j.Priority, j.Status, j.Attempts, j.MaxAttempts,
		j.Progress, j.Result, j.ErrorMessage, j.ScheduledFor.UTC(), j.StartedAt, j.CompletedAt,
		j.MarketplaceGroup, meta, j.CreatedAt.UTC(), j.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=jobs.create: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Get")
	defer span.End()
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=jobs.get: job %s: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j domain.Job) error {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Update")
	defer span.End()
	meta, err := encodeMeta(j.SchedulingMetadata)
	if err != nil {
		return fmt.Errorf("op=jobs.update: %w", err)
	}
	q := `UPDATE jobs SET status=$2, attempts=$3, progress=$4, result=$5,
		error_message=$6, scheduled_for=$7, started_at=$8, completed_at=$9,
		scheduling_metadata=$10, updated_at=$11 WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q,
		j.ID, j.Status, j.Attempts, j.Progress, j.Result,
		j.ErrorMessage, j.ScheduledFor.UTC(), j.StartedAt, j.CompletedAt,
		meta, j.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=jobs.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.update: job %s: %w", j.ID, domain.ErrNotFound)
	}
	return nil
}

// ClaimJob is the queue's arbitration point: the conditional UPDATE makes two
// workers racing on the same row see exactly one winner.
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (domain.Job, bool, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Claim")
	defer span.End()
	q := `UPDATE jobs
		SET status=$2, attempts=attempts+1, started_at=$3, updated_at=$3
		WHERE id=$1 AND status=$4
		RETURNING ` + jobColumns
	row := s.Pool.QueryRow(ctx, q, id, domain.JobProcessing, now.UTC(), domain.JobPending)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("op=jobs.claim: %w", err)
	}
	return j, true, nil
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.ListDue")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status=$1 AND scheduled_for <= $2
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $3`
	rows, err := s.Pool.Query(ctx, q, domain.JobPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.list_due: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	ctx, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.ListByStatus")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1 ORDER BY created_at ASC`
	args := []any{status}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.list_by_status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j    domain.Job
		meta []byte
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Type, &j.Data, &j.Priority, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.Progress, &j.Result, &j.ErrorMessage,
		&j.ScheduledFor, &j.StartedAt, &j.CompletedAt, &j.MarketplaceGroup,
		&meta, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(meta) > 0 {
		var m domain.SchedulingMetadata
		if err := json.Unmarshal(meta, &m); err != nil {
			return domain.Job{}, err
		}
		j.SchedulingMetadata = &m
	}
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=jobs.scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.rows: %w", err)
	}
	return out, nil
}

func encodeMeta(m *domain.SchedulingMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
