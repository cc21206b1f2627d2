package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/adapter/marketplace"
	"github.com/vendaro/crosslist/internal/adapter/marketplace/mock"
	"github.com/vendaro/crosslist/internal/adapter/progress"
	"github.com/vendaro/crosslist/internal/adapter/repo/memory"
	"github.com/vendaro/crosslist/internal/config"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/processor"
	"github.com/vendaro/crosslist/internal/service/breaker"
	"github.com/vendaro/crosslist/internal/service/dlq"
	"github.com/vendaro/crosslist/internal/service/failure"
	"github.com/vendaro/crosslist/internal/service/ratelimit"
	"github.com/vendaro/crosslist/internal/service/retrystrategy"
	"github.com/vendaro/crosslist/internal/worker"
	"github.com/vendaro/crosslist/pkg/clockx"
)

type harness struct {
	clock   *clockx.Fake
	store   *memory.Store
	ebay    *mock.Client
	posh    *mock.Client
	breaker *breaker.Breaker
	worker  *worker.Worker
	bus     *progress.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	ebay := mock.New("ebay")
	posh := mock.New("poshmark")
	reg := marketplace.NewRegistry(config.Overrides{}, map[string]domain.MarketplaceClient{
		"ebay":     ebay,
		"poshmark": posh,
	})
	limiter := ratelimit.New(clock, func(string) (int, int, int, error) {
		return 600, 10000, 100000, nil
	}, store)
	bus := progress.NewBus(clock)

	deps := processor.Deps{
		Clock: clock, IDs: clock, Store: store, Registry: reg,
		Limiter: limiter, Bus: bus,
		Sleep: func(context.Context, time.Duration) error { return nil },
	}

	brk := breaker.New(clock, func(m string) domain.CircuitThresholds {
		info, err := reg.Get(m)
		if err != nil {
			return domain.CircuitThresholds{Failure: 5, Recovery: 3, Timeout: time.Minute, HalfOpenMax: 3}
		}
		return info.CircuitThresholds
	}, store)

	strategy := retrystrategy.New(clock, clock, store, retrystrategy.Defaults{
		MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: time.Minute, Multiplier: 2, JitterRange: 0.2,
	}, nil)

	letters := dlq.New(clock, clock, store, store, store, 3)
	cat := failure.New(nil, nil)

	w := worker.New(worker.Config{
		TickInterval: 30 * time.Second, PoolSize: 2, BatchSize: 20, JobTimeout: 30 * time.Second,
	}, clock, clock, store, processor.DefaultRegistry(deps), brk, cat, strategy, letters, bus, nil)

	return &harness{clock: clock, store: store, ebay: ebay, posh: posh, breaker: brk, worker: w, bus: bus}
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateListing(ctx, domain.Listing{
		ID: "l1", UserID: "u1", Title: "vintage jacket", Price: 42, Status: domain.ListingDraft,
	}))
	for _, mkt := range []string{"ebay", "poshmark"} {
		h.store.PutConnection(domain.MarketplaceConnection{
			ID: "c-" + mkt, UserID: "u1", Marketplace: mkt,
			AccessToken: "tok", RefreshToken: "ref", IsConnected: true,
		})
	}
}

func (h *harness) enqueuePost(t *testing.T, maxAttempts int, marketplaces ...string) domain.Job {
	t.Helper()
	data, err := domain.EncodePayload(domain.JobTypePostListing, domain.PostListingPayload{
		ListingID: "l1", Marketplaces: marketplaces,
	})
	require.NoError(t, err)
	job := domain.Job{
		ID: h.clock.NewJobID(), UserID: "u1", Type: domain.JobTypePostListing,
		Data: data, Priority: 5, Status: domain.JobPending, MaxAttempts: maxAttempts,
		ScheduledFor: h.clock.Now(), CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id string) domain.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestHappyPathMultiMarketplacePost(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	job := h.enqueuePost(t, 3, "ebay", "poshmark")
	h.worker.RunJob(ctx, job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)

	listing, err := h.store.GetListing(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, listing.Status)

	hist, err := h.store.ListRetryHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.RetryOutcomeSuccess, hist[0].Outcome)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	h.ebay.FailNext("create", &domain.TransientError{Marketplace: "ebay", StatusCode: 503, Reason: "unavailable"})
	job := h.enqueuePost(t, 3, "ebay")

	h.worker.RunJob(ctx, job.ID)
	after := h.job(t, job.ID)
	assert.Equal(t, domain.JobPending, after.Status, "transient failure goes back to pending")
	assert.Equal(t, 1, after.Attempts)
	assert.True(t, after.ScheduledFor.After(h.clock.Now()), "backoff pushes scheduledFor out")
	assert.Contains(t, after.ErrorMessage, "unavailable")

	h.clock.Set(after.ScheduledFor)
	h.worker.RunJob(ctx, job.ID)
	final := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, final.Status)
	assert.Equal(t, 2, final.Attempts)
}

func TestExhaustedRetriesLandInDLQ(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.ebay.FailNext("create", &domain.TransientError{Marketplace: "ebay", StatusCode: 500, Reason: "boom"})
	}
	job := h.enqueuePost(t, 2, "ebay")

	for i := 0; i < 3; i++ {
		j := h.job(t, job.ID)
		if j.Status != domain.JobPending {
			break
		}
		h.clock.Set(j.ScheduledFor)
		h.worker.RunJob(ctx, job.ID)
	}

	final := h.job(t, job.ID)
	assert.Equal(t, domain.JobFailed, final.Status)
	require.NotNil(t, final.CompletedAt)

	entries, err := h.store.ListDeadLettersByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].OriginalJobID)
	assert.Equal(t, domain.FailureServerError, entries[0].FinalFailureCategory)
	assert.Equal(t, domain.DLQPending, entries[0].ResolutionStatus)
}

func TestValidationFailureIsPermanentWithoutDLQ(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	h.ebay.FailNext("create", &domain.ValidationError{Marketplace: "ebay", Reason: "title too long"})
	job := h.enqueuePost(t, 3, "ebay")

	h.worker.RunJob(ctx, job.ID)

	final := h.job(t, job.ID)
	assert.Equal(t, domain.JobFailed, final.Status)
	assert.Equal(t, 1, final.Attempts, "no retries for validation failures")

	entries, err := h.store.ListDeadLettersByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "permanent failures skip the DLQ")

	var audited bool
	for _, a := range h.store.AuditLogs() {
		if a.Action == "job_failed_permanent" {
			audited = true
		}
	}
	assert.True(t, audited)
}

func TestOpenCircuitReschedulesWithoutConsumingAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	// ebay default threshold is 5 consecutive failures.
	for i := 0; i < 5; i++ {
		h.breaker.RecordFailure(ctx, "ebay")
	}

	job := h.enqueuePost(t, 3, "ebay")
	h.worker.RunJob(ctx, job.ID)

	after := h.job(t, job.ID)
	assert.Equal(t, domain.JobPending, after.Status)
	assert.Zero(t, after.Attempts, "breaker denial refunds the claim's attempt")
	assert.True(t, after.ScheduledFor.After(h.clock.Now()))
	assert.Empty(t, h.ebay.Created(), "no marketplace call while the circuit is open")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.breaker.RecordFailure(ctx, "ebay")
	}
	job := h.enqueuePost(t, 3, "ebay")
	h.worker.RunJob(ctx, job.ID)
	require.Equal(t, domain.JobPending, h.job(t, job.ID).Status)

	// Past the breaker timeout the next run is a half-open probe; the mock
	// succeeds, and the default recovery threshold is 3 successes.
	h.clock.Advance(61 * time.Second)
	h.worker.RunJob(ctx, job.ID)
	assert.Equal(t, domain.JobCompleted, h.job(t, job.ID).Status)

	st := h.breaker.Status("ebay")
	assert.Equal(t, domain.CircuitHalfOpen, st.State)
	assert.Equal(t, 1, st.SuccessCount)
}

func TestMidCallRateLimitReschedulesWholeJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	h.ebay.FailNext("create", &domain.RateLimitError{Marketplace: "ebay", Wait: 45 * time.Second})
	job := h.enqueuePost(t, 3, "ebay")

	h.worker.RunJob(ctx, job.ID)

	after := h.job(t, job.ID)
	assert.Equal(t, domain.JobPending, after.Status)
	assert.Zero(t, after.Attempts, "rate-limit reschedule is not a failed attempt")
	assert.Equal(t, h.clock.Now().Add(45*time.Second), after.ScheduledFor)

	entries, err := h.store.ListDeadLettersByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancelledJobIsNotClaimed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	job := h.enqueuePost(t, 3, "ebay")
	cancelled := h.job(t, job.ID)
	cancelled.Status = domain.JobCancelled
	require.NoError(t, h.store.UpdateJob(ctx, cancelled))

	h.worker.RunJob(ctx, job.ID)

	final := h.job(t, job.ID)
	assert.Equal(t, domain.JobCancelled, final.Status)
	assert.Zero(t, final.Attempts)
	assert.Empty(t, h.ebay.Created())
}

func TestTickProcessesDueJobsOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	due := h.enqueuePost(t, 3, "ebay")

	data, err := domain.EncodePayload(domain.JobTypePostListing, domain.PostListingPayload{
		ListingID: "l1", Marketplaces: []string{"poshmark"},
	})
	require.NoError(t, err)
	future := domain.Job{
		ID: h.clock.NewJobID(), UserID: "u1", Type: domain.JobTypePostListing,
		Data: data, Status: domain.JobPending, MaxAttempts: 3,
		ScheduledFor: h.clock.Now().Add(time.Hour),
	}
	require.NoError(t, h.store.CreateJob(ctx, future))

	h.worker.Tick(ctx)

	assert.Equal(t, domain.JobCompleted, h.job(t, due.ID).Status)
	assert.Equal(t, domain.JobPending, h.job(t, future.ID).Status)
}

func TestReplayFromDLQRunsClean(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	h.ebay.FailNext("create", &domain.TransientError{Marketplace: "ebay", StatusCode: 500, Reason: "boom"})
	job := h.enqueuePost(t, 1, "ebay")
	h.worker.RunJob(ctx, job.ID)
	require.Equal(t, domain.JobFailed, h.job(t, job.ID).Status)

	entries, err := h.store.ListDeadLettersByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	letters := dlq.New(h.clock, h.clock, h.store, h.store, h.store, 3)
	replayed, err := letters.Replay(ctx, entries[0].ID)
	require.NoError(t, err)

	h.worker.RunJob(ctx, replayed.ID)
	assert.Equal(t, domain.JobCompleted, h.job(t, replayed.ID).Status)
}

func TestSyncInventoryIgnoresOpenBreaker(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.breaker.RecordFailure(ctx, "ebay")
	}

	data, err := domain.EncodePayload(domain.JobTypeSyncInventory, domain.SyncInventoryPayload{
		ListingID: "l1", SoldMarketplace: "ebay",
	})
	require.NoError(t, err)
	job := domain.Job{
		ID: h.clock.NewJobID(), UserID: "u1", Type: domain.JobTypeSyncInventory,
		Data: data, Priority: 9, Status: domain.JobPending, MaxAttempts: 3,
		ScheduledFor: h.clock.Now(), CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	}
	require.NoError(t, h.store.CreateJob(ctx, job))

	h.worker.RunJob(ctx, job.ID)

	after := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, after.Status, "sync touches only local state; no circuit applies")
}
