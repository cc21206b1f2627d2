package postgres

import (
	"context"
	"fmt"
)

// Migrate creates the schema when it does not exist yet. Statements are
// idempotent so every process can run this at startup.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			images TEXT[] NOT NULL DEFAULT '{}',
			category TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'draft',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS listing_posts (
			id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL REFERENCES listings(id),
			marketplace TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			external_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT NOT NULL DEFAULT '',
			posted_at TIMESTAMPTZ,
			UNIQUE (listing_id, marketplace)
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ,
			is_connected BOOLEAN NOT NULL DEFAULT false,
			settings JSONB,
			UNIQUE (user_id, marketplace)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data JSONB NOT NULL,
			priority INT NOT NULL DEFAULT 5,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 3,
			progress INT NOT NULL DEFAULT 0,
			result JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			scheduled_for TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			marketplace_group TEXT NOT NULL DEFAULT '',
			scheduling_metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_due_idx
			ON jobs (status, scheduled_for, priority DESC)`,
		`CREATE TABLE IF NOT EXISTS job_retry_history (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			attempt_number INT NOT NULL,
			failure_category TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			marketplace TEXT NOT NULL DEFAULT '',
			retry_delay_ms BIGINT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			processing_duration_ms BIGINT NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS retry_history_marketplace_idx
			ON job_retry_history (marketplace, ts)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
			marketplace TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			failure_count INT NOT NULL DEFAULT 0,
			success_count INT NOT NULL DEFAULT 0,
			last_failure_at TIMESTAMPTZ,
			last_success_at TIMESTAMPTZ,
			opened_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ,
			half_open_in_flight INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_windows (
			marketplace TEXT NOT NULL,
			kind TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count INT NOT NULL DEFAULT 0,
			"limit" INT NOT NULL DEFAULT 0,
			PRIMARY KEY (marketplace, kind, window_start)
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id TEXT PRIMARY KEY,
			original_job_id TEXT NOT NULL,
			job_type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			final_failure_category TEXT NOT NULL,
			total_attempts INT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			requires_manual_review BOOLEAN NOT NULL DEFAULT false,
			resolution_status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_posting_rules (
			marketplace TEXT PRIMARY KEY,
			optimal_windows JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS posting_success_analytics (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			listing_id TEXT NOT NULL,
			posted_at TIMESTAMPTZ NOT NULL,
			day_of_week INT NOT NULL,
			hour_of_day INT NOT NULL,
			views INT NOT NULL DEFAULT 0,
			likes INT NOT NULL DEFAULT 0,
			messages INT NOT NULL DEFAULT 0,
			sold BOOLEAN NOT NULL DEFAULT false,
			days_to_sell INT,
			success_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			engagement_score DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS analytics_user_marketplace_idx
			ON posting_success_analytics (user_id, marketplace, posted_at DESC)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.migrate: %w", err)
		}
	}
	return nil
}
