package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/adapter/repo/memory"
	"github.com/vendaro/crosslist/internal/app"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

func TestSweepRequeuesOldProcessingJobs(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	clock := clockx.NewFake(now)
	store := memory.New()
	ctx := context.Background()

	data, err := domain.EncodePayload(domain.JobTypePostListing, domain.PostListingPayload{
		ListingID: "l1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)

	mk := func(id string, startedAgo time.Duration) {
		started := now.Add(-startedAgo)
		require.NoError(t, store.CreateJob(ctx, domain.Job{
			ID: id, UserID: "u1", Type: domain.JobTypePostListing, Data: data,
			Status: domain.JobProcessing, Attempts: 1, MaxAttempts: 3,
			ScheduledFor: started, StartedAt: &started,
			CreatedAt: started, UpdatedAt: started,
		}))
	}
	mk("stale", 15*time.Minute)
	mk("fresh", 2*time.Minute)

	sweeper := app.NewStuckJobSweeper(store, clock, 10*time.Minute, time.Minute)
	sweeper.SweepOnce(ctx)

	stale, err := store.GetJob(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, stale.Status)
	assert.Nil(t, stale.StartedAt)
	assert.Equal(t, now, stale.ScheduledFor)
	// The original claim already counted this attempt.
	assert.Equal(t, 1, stale.Attempts)

	fresh, err := store.GetJob(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, fresh.Status)
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example ,"))
}
