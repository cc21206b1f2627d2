package dlq_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/service/dlq"
	"github.com/vendaro/crosslist/pkg/clockx"
)

func newService(clock *clockx.Fake) (*dlq.Service, *letterStore, *jobStore) {
	letters := &letterStore{entries: map[string]domain.DeadLetterEntry{}}
	jobs := &jobStore{}
	return dlq.New(clock, clock, letters, jobs, nil, 3), letters, jobs
}

func failedJob() domain.Job {
	return domain.Job{
		ID:       "job-1",
		UserID:   "u1",
		Type:     domain.JobTypePostListing,
		Data:     json.RawMessage(`{"listing_id":"l1","marketplaces":["ebay"]}`),
		Attempts: 6,
	}
}

func TestCreateSetsManualReviewByCategory(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		analysis domain.FailureAnalysis
		want     bool
	}{
		{"auth needs review", domain.FailureAnalysis{Category: domain.FailureAuth}, true},
		{"validation needs review", domain.FailureAnalysis{Category: domain.FailureValidation}, true},
		{"unknown needs review", domain.FailureAnalysis{Category: domain.FailureUnknown}, true},
		{"network does not", domain.FailureAnalysis{Category: domain.FailureNetwork}, false},
		{"intervention flag forces review", domain.FailureAnalysis{
			Category: domain.FailureServerError, RequiresUserIntervention: true,
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
			s, letters, _ := newService(clock)

			entry, err := s.Create(context.Background(), failedJob(), tc.analysis, "boom")
			require.NoError(t, err)
			assert.Equal(t, tc.want, entry.RequiresManualReview)
			assert.Equal(t, domain.DLQPending, entry.ResolutionStatus)
			assert.Equal(t, 6, entry.TotalAttempts)
			assert.Len(t, letters.entries, 1)
		})
	}
}

func TestResolveAndDiscard(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	s, _, _ := newService(clock)
	ctx := context.Background()

	a, err := s.Create(ctx, failedJob(), domain.FailureAnalysis{Category: domain.FailureNetwork}, "boom")
	require.NoError(t, err)

	resolved, err := s.Resolve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DLQResolved, resolved.ResolutionStatus)

	// Terminal entries refuse further transitions.
	_, err = s.Discard(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = s.Replay(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestReplayClonesPayloadWithFreshAttempts(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	s, letters, jobs := newService(clock)
	ctx := context.Background()

	orig := failedJob()
	entry, err := s.Create(ctx, orig, domain.FailureAnalysis{Category: domain.FailureServerError}, "boom")
	require.NoError(t, err)

	job, err := s.Replay(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, job.ID)
	assert.Equal(t, orig.Type, job.Type)
	assert.JSONEq(t, string(orig.Data), string(job.Data))
	assert.Zero(t, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, clock.Now(), job.ScheduledFor)

	require.Len(t, jobs.created, 1)
	assert.Equal(t, domain.DLQResolved, letters.entries[entry.ID].ResolutionStatus)
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	s, _, _ := newService(clock)
	_, err := s.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type letterStore struct {
	entries map[string]domain.DeadLetterEntry
}

func (s *letterStore) CreateDeadLetter(_ context.Context, e domain.DeadLetterEntry) error {
	s.entries[e.ID] = e
	return nil
}

func (s *letterStore) GetDeadLetter(_ context.Context, id string) (domain.DeadLetterEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return domain.DeadLetterEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *letterStore) UpdateDeadLetter(_ context.Context, e domain.DeadLetterEntry) error {
	if _, ok := s.entries[e.ID]; !ok {
		return domain.ErrNotFound
	}
	s.entries[e.ID] = e
	return nil
}

func (s *letterStore) ListDeadLettersByUser(_ context.Context, userID string, limit int) ([]domain.DeadLetterEntry, error) {
	var out []domain.DeadLetterEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type jobStore struct {
	created []domain.Job
}

func (s *jobStore) CreateJob(_ context.Context, j domain.Job) error {
	s.created = append(s.created, j)
	return nil
}

func (s *jobStore) GetJob(context.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (s *jobStore) UpdateJob(context.Context, domain.Job) error { return nil }

func (s *jobStore) ClaimJob(context.Context, string, time.Time) (domain.Job, bool, error) {
	return domain.Job{}, false, nil
}

func (s *jobStore) ListDueJobs(context.Context, time.Time, int) ([]domain.Job, error) {
	return nil, nil
}

func (s *jobStore) ListJobsByStatus(context.Context, domain.JobStatus, int) ([]domain.Job, error) {
	return nil, nil
}
