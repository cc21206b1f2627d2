package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/adapter/repo/postgres"
	"github.com/vendaro/crosslist/internal/domain"
)

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	s := postgres.New(pool)

	_, err := s.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimJobLosesRace(t *testing.T) {
	t.Parallel()
	// The conditional UPDATE matches no row when the job is no longer pending.
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	s := postgres.New(pool)

	_, ok, err := s.ClaimJob(context.Background(), "j1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, pool.lastSQL, "status=$4")
	assert.Contains(t, pool.lastSQL, "attempts=attempts+1")
}

func TestCreateJobExecError(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	pool := &poolStub{execErr: boom}
	s := postgres.New(pool)

	err := s.CreateJob(context.Background(), domain.Job{ID: "j1", ScheduledFor: time.Now()})
	require.ErrorIs(t, err, boom)
}

func TestUpdateJobMissingRow(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	s := postgres.New(pool)

	err := s.UpdateJob(context.Background(), domain.Job{ID: "gone", ScheduledFor: time.Now()})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListDueJobsQueryShape(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	s := postgres.New(pool)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	jobs, err := s.ListDueJobs(context.Background(), now, 20)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Contains(t, pool.lastSQL, "ORDER BY priority DESC, scheduled_for ASC")
	require.Len(t, pool.lastArgs, 3)
	assert.Equal(t, domain.JobPending, pool.lastArgs[0])
	assert.Equal(t, now, pool.lastArgs[1])
	assert.Equal(t, 20, pool.lastArgs[2])
}

func TestRecentRetryStatsScan(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 10
		*(dest[1].(*int)) = 7
		return nil
	}}}
	s := postgres.New(pool)

	stats, err := s.RecentRetryStats(context.Background(), "ebay", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 7, stats.Succeeded)
	assert.InDelta(t, 0.7, stats.SuccessRate(), 1e-9)
}

func TestUpdateDeadLetterMissing(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	s := postgres.New(pool)

	err := s.UpdateDeadLetter(context.Background(), domain.DeadLetterEntry{ID: "gone"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMigrateRunsAllStatements(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	s := postgres.New(pool)

	require.NoError(t, s.Migrate(context.Background()))
	assert.Greater(t, pool.execCalls, 10)
}
