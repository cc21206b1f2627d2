// Package breaker implements the per-marketplace circuit breaker state
// machine (closed, open, half_open).
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// Decision is the outcome of ShouldAllow. A denial is a reschedule signal
// for workers, never a failure.
type Decision struct {
	Allowed     bool
	State       domain.CircuitState
	Reason      string
	NextRetryAt time.Time
}

// ThresholdsFn resolves per-marketplace breaker thresholds.
type ThresholdsFn func(marketplace string) domain.CircuitThresholds

// halfOpenRetryDelay spaces retries while half-open probes are in flight.
const halfOpenRetryDelay = 5 * time.Second

type state struct {
	current          domain.CircuitState
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailureAt    *time.Time
	lastSuccessAt    *time.Time
	openedAt         *time.Time
	nextRetryAt      *time.Time
}

// Breaker tracks one state machine per marketplace. State reads and writes
// for one marketplace are a single critical section.
type Breaker struct {
	mu         sync.Mutex
	states     map[string]*state
	clock      clockx.Clock
	thresholds ThresholdsFn
	mirror     domain.CircuitStateStore // optional; snapshots for the status surface
}

// New constructs a Breaker. mirror may be nil.
func New(clock clockx.Clock, thresholds ThresholdsFn, mirror domain.CircuitStateStore) *Breaker {
	return &Breaker{
		states:     map[string]*state{},
		clock:      clock,
		thresholds: thresholds,
		mirror:     mirror,
	}
}

func (b *Breaker) state(marketplace string) *state {
	st, ok := b.states[marketplace]
	if !ok {
		st = &state{current: domain.CircuitClosed}
		b.states[marketplace] = st
	}
	return st
}

// ShouldAllow decides whether a call to marketplace may proceed. In the open
// state the first decision at or past nextRetryAt transitions to half_open
// and is allowed as a probe.
func (b *Breaker) ShouldAllow(ctx context.Context, marketplace string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(marketplace)
	th := b.thresholds(marketplace)
	now := b.clock.Now()

	switch st.current {
	case domain.CircuitClosed:
		return Decision{Allowed: true, State: domain.CircuitClosed}

	case domain.CircuitOpen:
		if st.openedAt != nil && !now.Before(st.openedAt.Add(th.Timeout)) {
			st.current = domain.CircuitHalfOpen
			st.successCount = 0
			st.halfOpenInFlight = 1
			st.nextRetryAt = nil
			slog.Info("circuit transitioning to half-open",
				slog.String("marketplace", marketplace))
			b.snapshot(ctx, marketplace, st, th)
			return Decision{Allowed: true, State: domain.CircuitHalfOpen}
		}
		next := now.Add(th.Timeout)
		if st.nextRetryAt != nil {
			next = *st.nextRetryAt
		}
		return Decision{
			Allowed:     false,
			State:       domain.CircuitOpen,
			Reason:      "circuit_open",
			NextRetryAt: next,
		}

	case domain.CircuitHalfOpen:
		if st.halfOpenInFlight >= th.HalfOpenMax {
			// The open-state deadline has already passed; point callers at a
			// near retry instead.
			return Decision{
				Allowed:     false,
				State:       domain.CircuitHalfOpen,
				Reason:      "half_open_saturated",
				NextRetryAt: now.Add(halfOpenRetryDelay),
			}
		}
		st.halfOpenInFlight++
		return Decision{Allowed: true, State: domain.CircuitHalfOpen}

	default:
		return Decision{Allowed: false, State: st.current, Reason: "unknown_state"}
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess(ctx context.Context, marketplace string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(marketplace)
	th := b.thresholds(marketplace)
	now := b.clock.Now()
	st.lastSuccessAt = &now

	switch st.current {
	case domain.CircuitClosed:
		st.failureCount = 0
	case domain.CircuitHalfOpen:
		if st.halfOpenInFlight > 0 {
			st.halfOpenInFlight--
		}
		st.successCount++
		if st.successCount >= th.Recovery {
			st.current = domain.CircuitClosed
			st.failureCount = 0
			st.successCount = 0
			st.openedAt = nil
			st.nextRetryAt = nil
			slog.Info("circuit closed after recovery",
				slog.String("marketplace", marketplace))
		}
	}
	b.snapshot(ctx, marketplace, st, th)
}

// RecordFailure notes a failed call. Any failure in half_open reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(ctx context.Context, marketplace string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(marketplace)
	th := b.thresholds(marketplace)
	now := b.clock.Now()
	st.lastFailureAt = &now

	switch st.current {
	case domain.CircuitClosed:
		st.failureCount++
		if st.failureCount >= th.Failure {
			b.open(st, now, th)
			slog.Warn("circuit opened after consecutive failures",
				slog.String("marketplace", marketplace),
				slog.Int("failures", st.failureCount))
		}
	case domain.CircuitHalfOpen:
		b.open(st, now, th)
		slog.Warn("circuit reopened by half-open failure",
			slog.String("marketplace", marketplace))
	}
	b.snapshot(ctx, marketplace, st, th)
}

func (b *Breaker) open(st *state, now time.Time, th domain.CircuitThresholds) {
	st.current = domain.CircuitOpen
	opened := now
	next := now.Add(th.Timeout)
	st.openedAt = &opened
	st.nextRetryAt = &next
	st.halfOpenInFlight = 0
	st.successCount = 0
}

// Status returns the current persisted-shape status for marketplace.
func (b *Breaker) Status(marketplace string) domain.CircuitBreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(marketplace)
	return b.statusLocked(marketplace, st, b.thresholds(marketplace))
}

func (b *Breaker) statusLocked(marketplace string, st *state, th domain.CircuitThresholds) domain.CircuitBreakerStatus {
	return domain.CircuitBreakerStatus{
		Marketplace:      marketplace,
		State:            st.current,
		FailureCount:     st.failureCount,
		SuccessCount:     st.successCount,
		LastFailureAt:    st.lastFailureAt,
		LastSuccessAt:    st.lastSuccessAt,
		OpenedAt:         st.openedAt,
		NextRetryAt:      st.nextRetryAt,
		HalfOpenInFlight: st.halfOpenInFlight,
		Thresholds:       th,
	}
}

func (b *Breaker) snapshot(ctx context.Context, marketplace string, st *state, th domain.CircuitThresholds) {
	if b.mirror == nil {
		return
	}
	if err := b.mirror.SaveCircuitStatus(ctx, b.statusLocked(marketplace, st, th)); err != nil {
		slog.Debug("circuit snapshot failed",
			slog.String("marketplace", marketplace), slog.Any("error", err))
	}
}
