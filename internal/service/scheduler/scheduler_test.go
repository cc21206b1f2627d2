package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/service/scheduler"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// 2025-06-02 is a Monday.
var monday = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func win(day, start, end int, score float64) domain.OptimalWindow {
	return domain.OptimalWindow{DayOfWeek: day, StartHour: start, EndHour: end, Timezone: "UTC", Score: score}
}

func defaults(windows map[string][]domain.OptimalWindow) scheduler.WindowsFn {
	return func(m string) ([]domain.OptimalWindow, error) { return windows[m], nil }
}

func newScheduler(clock clockx.Clock, rules *ruleStore, analytics *analyticsStore, d scheduler.WindowsFn) *scheduler.Scheduler {
	if rules == nil {
		rules = &ruleStore{}
	}
	if analytics == nil {
		analytics = &analyticsStore{}
	}
	return scheduler.New(clock, rules, analytics, d)
}

func TestScheduleInsideCurrentWindow(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(19 * time.Hour)) // Monday 19:00, inside 18-21
	s := newScheduler(clock, nil, nil, defaults(map[string][]domain.OptimalWindow{
		"ebay": {win(1, 18, 21, 85)},
	}))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", ListingID: "l1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Placements, 1)
	p := plan.Placements[0]
	assert.Equal(t, clock.Now(), p.ScheduledFor)
	assert.Equal(t, scheduler.SourceMarketplaceDefault, p.Source)
	assert.Equal(t, 85.0, p.ConfidenceScore)
	assert.Equal(t, 90.0, p.EstimatedSuccessRate)
	assert.Equal(t, scheduler.StrategyImmediate, plan.Strategy)
}

func TestEarliestWindowWithin24hWinsOverHigherScore(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(12 * time.Hour)) // Monday 12:00
	s := newScheduler(clock, nil, nil, defaults(map[string][]domain.OptimalWindow{
		"ebay": {win(1, 20, 21, 60), win(3, 10, 11, 90)},
	}))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	p := plan.Placements[0]
	assert.Equal(t, monday.Add(20*time.Hour), p.ScheduledFor, "Monday 20:00 is within 24h")
	assert.Equal(t, 60.0, p.ConfidenceScore)
}

func TestHighestScoredWindowBeyond24h(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(22 * time.Hour)) // Monday 22:00
	s := newScheduler(clock, nil, nil, defaults(map[string][]domain.OptimalWindow{
		"ebay": {win(2, 23, 24, 50), win(3, 10, 11, 90)},
	}))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	p := plan.Placements[0]
	// Tuesday 23:00 is 25h out, so the search jumps to the best window.
	assert.Equal(t, monday.Add(2*24*time.Hour).Add(10*time.Hour), p.ScheduledFor)
	assert.Equal(t, 90.0, p.ConfidenceScore)
	assert.Equal(t, scheduler.StrategyOptimized, plan.Strategy)
}

func TestInterMarketplaceGapAndOrder(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(19 * time.Hour))
	s := newScheduler(clock, nil, nil, defaults(map[string][]domain.OptimalWindow{
		"ebay":     {win(1, 18, 21, 85)},
		"poshmark": {win(1, 18, 21, 80)},
	}))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"poshmark", "ebay"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Placements, 2)
	assert.Equal(t, "ebay", plan.Placements[0].Marketplace, "marketplaces processed in ASCII order")
	assert.Equal(t, "poshmark", plan.Placements[1].Marketplace)
	gap := plan.Placements[1].ScheduledFor.Sub(plan.Placements[0].ScheduledFor)
	assert.GreaterOrEqual(t, gap, time.Minute, "placements at least 60s apart")
}

func TestUserAnalyticsCreateSyntheticWindow(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(19 * time.Hour))
	analytics := &analyticsStore{rows: []domain.PostingSuccessAnalytics{
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 82},
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 78},
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 80},
	}}
	s := newScheduler(clock, nil, analytics, defaults(nil))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	p := plan.Placements[0]
	assert.Equal(t, clock.Now(), p.ScheduledFor)
	assert.Equal(t, scheduler.SourceUserAnalytics, p.Source)
	assert.Equal(t, 80.0, p.ConfidenceScore, "mean of the bucket")
}

func TestSyntheticWindowReplacesNearbyLowerDefault(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(18*time.Hour + 30*time.Minute))
	analytics := &analyticsStore{rows: []domain.PostingSuccessAnalytics{
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 95},
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 95},
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 95},
	}}
	s := newScheduler(clock, nil, analytics, defaults(map[string][]domain.OptimalWindow{
		"ebay": {win(1, 18, 21, 60)},
	}))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	p := plan.Placements[0]
	// The default 18-21 window was replaced; the synthetic 19-20 one wins.
	assert.Equal(t, monday.Add(19*time.Hour), p.ScheduledFor)
	assert.Equal(t, scheduler.SourceUserAnalytics, p.Source)
	assert.Equal(t, 90.0, p.ConfidenceScore, "synthetic score capped at 90")
}

func TestWeakAnalyticsIgnored(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(19 * time.Hour))
	analytics := &analyticsStore{rows: []domain.PostingSuccessAnalytics{
		// Only two observations: below the threshold.
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 95},
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 1, HourOfDay: 19, SuccessScore: 95},
		// Three observations but mean below 50.
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 2, HourOfDay: 9, SuccessScore: 40},
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 2, HourOfDay: 9, SuccessScore: 35},
		{UserID: "u1", Marketplace: "ebay", DayOfWeek: 2, HourOfDay: 9, SuccessScore: 45},
	}}
	s := newScheduler(clock, nil, analytics, defaults(map[string][]domain.OptimalWindow{
		"ebay": {win(1, 18, 21, 70)},
	}))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	assert.Equal(t, scheduler.SourceMarketplaceDefault, plan.Placements[0].Source)
	assert.Equal(t, 70.0, plan.Placements[0].ConfidenceScore)
}

func TestStoredRuleOverridesDefaults(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(10 * time.Hour))
	rules := &ruleStore{rules: map[string]domain.MarketplacePostingRule{
		"ebay": {Marketplace: "ebay", OptimalWindows: []domain.OptimalWindow{win(1, 10, 12, 75)}},
	}}
	s := newScheduler(clock, rules, nil, defaults(map[string][]domain.OptimalWindow{
		"ebay": {win(3, 18, 21, 85)},
	}))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), plan.Placements[0].ScheduledFor, "stored rule window applies")
	assert.Equal(t, 75.0, plan.Placements[0].ConfidenceScore)
}

func TestFallbackWhenNoWindows(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(12 * time.Hour))
	s := newScheduler(clock, nil, nil, defaults(nil))

	plan, err := s.Plan(context.Background(), scheduler.Request{
		UserID: "u1", Marketplaces: []string{"ebay"},
	})
	require.NoError(t, err)
	p := plan.Placements[0]
	assert.Equal(t, clock.Now().Add(5*time.Minute), p.ScheduledFor)
	assert.Equal(t, scheduler.SourceFallback, p.Source)
	assert.Equal(t, 30.0, p.ConfidenceScore)
}

func TestPlanIsDeterministic(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday.Add(12 * time.Hour))
	s := newScheduler(clock, nil, nil, defaults(map[string][]domain.OptimalWindow{
		"ebay":     {win(1, 20, 21, 60), win(3, 10, 11, 90)},
		"poshmark": {win(2, 9, 11, 70)},
		"mercari":  {},
	}))

	req := scheduler.Request{UserID: "u1", Marketplaces: []string{"poshmark", "mercari", "ebay"}}
	a, err := s.Plan(context.Background(), req)
	require.NoError(t, err)
	b, err := s.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmptyMarketplacesRejected(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(monday)
	s := newScheduler(clock, nil, nil, defaults(nil))
	_, err := s.Plan(context.Background(), scheduler.Request{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

type ruleStore struct {
	rules map[string]domain.MarketplacePostingRule
}

func (s *ruleStore) GetPostingRule(_ context.Context, marketplace string) (domain.MarketplacePostingRule, error) {
	if r, ok := s.rules[marketplace]; ok {
		return r, nil
	}
	return domain.MarketplacePostingRule{}, domain.ErrNotFound
}

func (s *ruleStore) UpsertPostingRule(_ context.Context, r domain.MarketplacePostingRule) error {
	if s.rules == nil {
		s.rules = map[string]domain.MarketplacePostingRule{}
	}
	s.rules[r.Marketplace] = r
	return nil
}

type analyticsStore struct {
	rows []domain.PostingSuccessAnalytics
}

func (s *analyticsStore) CreateAnalytics(_ context.Context, a domain.PostingSuccessAnalytics) error {
	s.rows = append(s.rows, a)
	return nil
}

func (s *analyticsStore) ListAnalytics(_ context.Context, userID, marketplace string, limit int) ([]domain.PostingSuccessAnalytics, error) {
	var out []domain.PostingSuccessAnalytics
	for _, r := range s.rows {
		if r.UserID == userID && r.Marketplace == marketplace {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
