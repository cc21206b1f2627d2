// Package scheduler picks posting times per marketplace from optimal-window
// data, enhanced by what the user's own posting history shows works.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// Scheduling metadata sources.
const (
	SourceUserAnalytics      = "user_analytics"
	SourceMarketplaceDefault = "marketplace_default"
	SourceFallback           = "fallback"
)

// Distribution strategy labels.
const (
	StrategyImmediate = "immediate"
	StrategyMixed     = "mixed"
	StrategyOptimized = "optimized"
)

const (
	slotStep          = 15 * time.Minute
	scanHorizon       = 7 * 24 * time.Hour
	interMarketGap    = 60 * time.Second
	fallbackGap       = 5 * time.Minute
	minObservations   = 3
	syntheticMaxScore = 90.0
	analyticsFetch    = 500
)

// WindowsFn resolves the registry's default windows for a marketplace.
type WindowsFn func(marketplace string) ([]domain.OptimalWindow, error)

// Request describes one listing to spread across marketplaces.
type Request struct {
	UserID        string
	ListingID     string
	Marketplaces  []string
	RequestedTime *time.Time
	Priority      int
}

// Placement is the chosen slot for one marketplace.
type Placement struct {
	Marketplace          string
	ScheduledFor         time.Time
	Reasoning            string
	Source               string
	ConfidenceScore      float64
	EstimatedSuccessRate float64
}

// Plan is the full scheduling outcome.
type Plan struct {
	Placements []Placement
	Strategy   string
}

// Scheduler computes posting plans. Stored rules override registry defaults;
// user analytics override both when the evidence is strong enough.
type Scheduler struct {
	clock     clockx.Clock
	rules     domain.PostingRuleStore
	analytics domain.AnalyticsStore
	defaults  WindowsFn
}

func New(clock clockx.Clock, rules domain.PostingRuleStore, analytics domain.AnalyticsStore, defaults WindowsFn) *Scheduler {
	return &Scheduler{clock: clock, rules: rules, analytics: analytics, defaults: defaults}
}

type window struct {
	domain.OptimalWindow
	synthetic bool
	loc       *time.Location
}

// Plan schedules req's marketplaces in ASCII order, keeping at least 60s
// between consecutive placements. The same request always yields the same
// plan for a fixed clock.
func (s *Scheduler) Plan(ctx context.Context, req Request) (Plan, error) {
	if len(req.Marketplaces) == 0 {
		return Plan{}, fmt.Errorf("op=scheduler.plan: no marketplaces: %w", domain.ErrInvalidArgument)
	}
	names := append([]string(nil), req.Marketplaces...)
	sort.Strings(names)

	now := s.clock.Now()
	start := now
	if req.RequestedTime != nil && req.RequestedTime.After(now) {
		start = *req.RequestedTime
	}

	plan := Plan{Placements: make([]Placement, 0, len(names))}
	var lastScheduled time.Time
	for i, name := range names {
		earliest := start
		if i > 0 {
			if gap := lastScheduled.Add(interMarketGap); gap.After(earliest) {
				earliest = gap
			}
		}

		windows, err := s.windowsFor(ctx, req.UserID, name)
		if err != nil {
			return Plan{}, err
		}

		p := s.place(name, windows, earliest, now, lastScheduled, start)
		plan.Placements = append(plan.Placements, p)
		lastScheduled = p.ScheduledFor
	}

	plan.Strategy = strategyLabel(plan.Placements, now)
	return plan, nil
}

// place runs the time-slot search for one marketplace.
func (s *Scheduler) place(name string, windows []window, earliest, now, lastScheduled, start time.Time) Placement {
	hitAt, hitWin, ok := firstSlot(windows, earliest)
	if ok && hitAt.Sub(now) <= 24*time.Hour {
		return placement(name, hitAt, hitWin, "earliest optimal window within 24h")
	}

	if best, bestAt, found := bestWindow(windows, earliest); found {
		return placement(name, bestAt, best, "next occurrence of highest-scored window")
	}

	// Nothing matched inside the horizon.
	fb := start.Add(fallbackGap)
	if !lastScheduled.IsZero() {
		fb = lastScheduled.Add(fallbackGap)
	}
	return Placement{
		Marketplace:          name,
		ScheduledFor:         fb,
		Reasoning:            "no optimal window within 7 days",
		Source:               SourceFallback,
		ConfidenceScore:      30,
		EstimatedSuccessRate: 35,
	}
}

func placement(name string, at time.Time, w window, why string) Placement {
	source := SourceMarketplaceDefault
	if w.synthetic {
		source = SourceUserAnalytics
	}
	return Placement{
		Marketplace:  name,
		ScheduledFor: at,
		Reasoning: fmt.Sprintf("%s (day=%d %02d:00-%02d:00 score=%.0f)",
			why, w.DayOfWeek, w.StartHour, w.EndHour, w.Score),
		Source:               source,
		ConfidenceScore:      w.Score,
		EstimatedSuccessRate: min(95, w.Score+5),
	}
}

// firstSlot scans 15-minute slots up to 7 days ahead and returns the first
// slot inside any window, preferring the highest-scored window when several
// cover the same slot.
func firstSlot(windows []window, from time.Time) (time.Time, window, bool) {
	for t := from; t.Sub(from) <= scanHorizon; t = t.Add(slotStep) {
		if w, ok := coveringWindow(windows, t); ok {
			return t, w, true
		}
	}
	return time.Time{}, window{}, false
}

// bestWindow returns the highest-scored window and its next slot occurrence.
// Equal scores break on earlier occurrence.
func bestWindow(windows []window, from time.Time) (window, time.Time, bool) {
	var (
		best   window
		bestAt time.Time
		found  bool
	)
	for _, w := range windows {
		at, ok := nextOccurrence(w, from)
		if !ok {
			continue
		}
		if !found || w.Score > best.Score || (w.Score == best.Score && at.Before(bestAt)) {
			best, bestAt, found = w, at, true
		}
	}
	return best, bestAt, found
}

func nextOccurrence(w window, from time.Time) (time.Time, bool) {
	for t := from; t.Sub(from) <= scanHorizon; t = t.Add(slotStep) {
		if inWindow(w, t) {
			return t, true
		}
	}
	return time.Time{}, false
}

func coveringWindow(windows []window, t time.Time) (window, bool) {
	var (
		best  window
		found bool
	)
	for _, w := range windows {
		if !inWindow(w, t) {
			continue
		}
		if !found || w.Score > best.Score {
			best, found = w, true
		}
	}
	return best, found
}

func inWindow(w window, t time.Time) bool {
	lt := t.In(w.loc)
	return int(lt.Weekday()) == w.DayOfWeek && lt.Hour() >= w.StartHour && lt.Hour() < w.EndHour
}

// windowsFor loads stored-rule-or-default windows and enhances them with the
// user's posting analytics.
func (s *Scheduler) windowsFor(ctx context.Context, userID, marketplace string) ([]window, error) {
	base, err := s.baseWindows(ctx, marketplace)
	if err != nil {
		return nil, err
	}
	synthetic := s.syntheticWindows(ctx, userID, marketplace)
	merged := mergeWindows(base, synthetic)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	return merged, nil
}

func (s *Scheduler) baseWindows(ctx context.Context, marketplace string) ([]window, error) {
	var raw []domain.OptimalWindow
	rule, err := s.rules.GetPostingRule(ctx, marketplace)
	switch {
	case err == nil:
		raw = rule.OptimalWindows
	case errors.Is(err, domain.ErrNotFound):
		raw, err = s.defaults(marketplace)
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.windows: %w", err)
		}
	default:
		return nil, fmt.Errorf("op=scheduler.windows: %w", err)
	}
	out := make([]window, 0, len(raw))
	for _, w := range raw {
		out = append(out, window{OptimalWindow: w, loc: locationOf(w.Timezone)})
	}
	return out, nil
}

// syntheticWindows mines the user's analytics: buckets of (dayOfWeek,
// hourOfDay) with at least 3 observations and mean success score above 50
// become one-hour windows scored min(90, mean).
func (s *Scheduler) syntheticWindows(ctx context.Context, userID, marketplace string) []window {
	rows, err := s.analytics.ListAnalytics(ctx, userID, marketplace, analyticsFetch)
	if err != nil {
		slog.Debug("analytics lookup failed",
			slog.String("marketplace", marketplace), slog.Any("error", err))
		return nil
	}

	type bucket struct {
		n   int
		sum float64
	}
	buckets := map[[2]int]*bucket{}
	for _, r := range rows {
		key := [2]int{r.DayOfWeek, r.HourOfDay}
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.n++
		b.sum += r.SuccessScore
	}

	var out []window
	for key, b := range buckets {
		if b.n < minObservations {
			continue
		}
		mean := b.sum / float64(b.n)
		if mean <= 50 {
			continue
		}
		out = append(out, window{
			OptimalWindow: domain.OptimalWindow{
				DayOfWeek: key[0],
				StartHour: key[1],
				EndHour:   key[1] + 1,
				Timezone:  "UTC",
				Score:     min(syntheticMaxScore, mean),
			},
			synthetic: true,
			loc:       time.UTC,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartHour < out[j].StartHour
	})
	return out
}

// mergeWindows folds synthetic windows into the base set. A synthetic window
// within one day and two hours of a base window keeps only the higher score.
func mergeWindows(base, synthetic []window) []window {
	merged := append([]window(nil), base...)
	for _, syn := range synthetic {
		replaced := false
		for i, b := range merged {
			if !near(syn.OptimalWindow, b.OptimalWindow) {
				continue
			}
			replaced = true
			if syn.Score > b.Score {
				merged[i] = syn
			}
			break
		}
		if !replaced {
			merged = append(merged, syn)
		}
	}
	return merged
}

func near(a, b domain.OptimalWindow) bool {
	dd := a.DayOfWeek - b.DayOfWeek
	if dd < 0 {
		dd = -dd
	}
	if 7-dd < dd {
		dd = 7 - dd
	}
	dh := a.StartHour - b.StartHour
	if dh < 0 {
		dh = -dh
	}
	return dd <= 1 && dh <= 2
}

// strategyLabel classifies how immediate the plan is: all placements within
// an hour of now mean immediate, a majority mean mixed, otherwise optimized.
func strategyLabel(placements []Placement, now time.Time) string {
	soon := 0
	for _, p := range placements {
		if p.ScheduledFor.Sub(now) <= time.Hour {
			soon++
		}
	}
	switch {
	case soon == len(placements):
		return StrategyImmediate
	case soon*2 > len(placements):
		return StrategyMixed
	default:
		return StrategyOptimized
	}
}

func locationOf(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("unknown timezone in optimal window, using UTC", slog.String("tz", tz))
		return time.UTC
	}
	return loc
}
