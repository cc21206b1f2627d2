// Package ratelimit implements per-marketplace call budgets across minute,
// hour, and day windows, with an adaptive spacing delay for workers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// Decision is the outcome of a Check or Acquire.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// LimitsFn resolves the static budgets for a marketplace.
type LimitsFn func(marketplace string) (perMinute, perHour, perDay int, err error)

// Service is the limiter surface the worker and processors consume.
type Service interface {
	// Check is a pure read; it never consumes budget.
	Check(ctx context.Context, marketplace string) (Decision, error)
	// Acquire atomically consumes one unit from all three windows, or
	// denies and consumes nothing.
	Acquire(ctx context.Context, marketplace string) (Decision, error)
	// Record adjusts the adaptive backoff multiplier after a call outcome.
	Record(ctx context.Context, marketplace string, ok bool)
	// OptimalDelay spreads a worker's calls evenly across the minute
	// window, scaled by the adaptive multiplier and shortened by priority.
	OptimalDelay(marketplace string, priority int) time.Duration
}

const (
	backoffGrow  = 1.5
	backoffCap   = 8.0
	minimumDelay = 250 * time.Millisecond
)

var windowKinds = []domain.WindowKind{domain.WindowMinute, domain.WindowHour, domain.WindowDay}

type window struct {
	start time.Time
	count int
}

type marketState struct {
	mu      sync.Mutex
	windows map[domain.WindowKind]*window
	backoff float64
}

// Limiter is the in-process implementation. Windows for different
// marketplaces are independent; acquisition per marketplace is serialized.
type Limiter struct {
	mu     sync.Mutex
	states map[string]*marketState

	clock  clockx.Clock
	limits LimitsFn
	mirror domain.RateLimitStore // optional; snapshots windows for the status surface
}

// New constructs an in-process Limiter. mirror may be nil.
func New(clock clockx.Clock, limits LimitsFn, mirror domain.RateLimitStore) *Limiter {
	return &Limiter{
		states: map[string]*marketState{},
		clock:  clock,
		limits: limits,
		mirror: mirror,
	}
}

func (l *Limiter) state(marketplace string) *marketState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[marketplace]
	if !ok {
		st = &marketState{windows: map[domain.WindowKind]*window{}, backoff: 1}
		l.states[marketplace] = st
	}
	return st
}

// Check reports whether an Acquire would succeed right now.
func (l *Limiter) Check(_ context.Context, marketplace string) (Decision, error) {
	limits, err := l.limitsFor(marketplace)
	if err != nil {
		return Decision{}, err
	}
	st := l.state(marketplace)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock.Now()
	var wait time.Duration
	reason := ""
	for _, kind := range windowKinds {
		w := st.windows[kind]
		if w == nil || now.Sub(w.start) >= kind.Duration() {
			continue // expired or untouched window counts as empty
		}
		if w.count >= limits[kind] {
			if remaining := w.start.Add(kind.Duration()).Sub(now); remaining > wait {
				wait = remaining
				reason = fmt.Sprintf("%s window exhausted", kind)
			}
		}
	}
	if wait > 0 {
		return Decision{Allowed: false, Wait: wait, Reason: reason}, nil
	}
	return Decision{Allowed: true}, nil
}

// Acquire consumes one unit from all three windows, resetting any window
// whose span has elapsed. A denial consumes nothing.
func (l *Limiter) Acquire(ctx context.Context, marketplace string) (Decision, error) {
	limits, err := l.limitsFor(marketplace)
	if err != nil {
		return Decision{}, err
	}
	st := l.state(marketplace)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock.Now()
	for _, kind := range windowKinds {
		w := st.windows[kind]
		if w == nil {
			w = &window{start: now}
			st.windows[kind] = w
		} else if now.Sub(w.start) >= kind.Duration() {
			w.start = now
			w.count = 0
		}
	}

	var wait time.Duration
	reason := ""
	for _, kind := range windowKinds {
		w := st.windows[kind]
		if w.count >= limits[kind] {
			if remaining := w.start.Add(kind.Duration()).Sub(now); remaining > wait {
				wait = remaining
				reason = fmt.Sprintf("%s window exhausted", kind)
			}
		}
	}
	if wait > 0 {
		return Decision{Allowed: false, Wait: wait, Reason: reason}, nil
	}

	for _, kind := range windowKinds {
		st.windows[kind].count++
	}
	l.snapshot(ctx, marketplace, st, limits)
	return Decision{Allowed: true}, nil
}

// Record grows the adaptive multiplier on failure (x1.5, capped at 8) and
// halves it back toward 1 on success.
func (l *Limiter) Record(_ context.Context, marketplace string, ok bool) {
	st := l.state(marketplace)
	st.mu.Lock()
	defer st.mu.Unlock()
	if ok {
		st.backoff /= 2
		if st.backoff < 1 {
			st.backoff = 1
		}
		return
	}
	st.backoff *= backoffGrow
	if st.backoff > backoffCap {
		st.backoff = backoffCap
	}
}

// OptimalDelay returns minuteWindow/limit scaled by the adaptive multiplier,
// shortened 5% per priority point (capped at 10), floored at 250ms.
func (l *Limiter) OptimalDelay(marketplace string, priority int) time.Duration {
	limits, err := l.limitsFor(marketplace)
	if err != nil || limits[domain.WindowMinute] <= 0 {
		return minimumDelay
	}
	st := l.state(marketplace)
	st.mu.Lock()
	backoff := st.backoff
	st.mu.Unlock()

	d := time.Duration(float64(time.Minute) / float64(limits[domain.WindowMinute]) * backoff)
	if priority > 10 {
		priority = 10
	}
	if priority > 0 {
		d = time.Duration(float64(d) * (1 - 0.05*float64(priority)))
	}
	if d < minimumDelay {
		d = minimumDelay
	}
	return d
}

func (l *Limiter) limitsFor(marketplace string) (map[domain.WindowKind]int, error) {
	perMinute, perHour, perDay, err := l.limits(marketplace)
	if err != nil {
		return nil, fmt.Errorf("op=ratelimit.limits: %w", err)
	}
	return map[domain.WindowKind]int{
		domain.WindowMinute: perMinute,
		domain.WindowHour:   perHour,
		domain.WindowDay:    perDay,
	}, nil
}

// snapshot mirrors current window rows to storage for the status endpoint.
// Failures are logged, never propagated; the limiter is authoritative.
func (l *Limiter) snapshot(ctx context.Context, marketplace string, st *marketState, limits map[domain.WindowKind]int) {
	if l.mirror == nil {
		return
	}
	for _, kind := range windowKinds {
		w := st.windows[kind]
		row := domain.RateLimitWindow{
			Marketplace: marketplace,
			Kind:        kind,
			WindowStart: w.start,
			Count:       w.count,
			Limit:       limits[kind],
		}
		if err := l.mirror.SaveRateLimitWindow(ctx, row); err != nil {
			slog.Debug("rate limit window snapshot failed",
				slog.String("marketplace", marketplace),
				slog.String("window", string(kind)),
				slog.Any("error", err))
		}
	}
}
