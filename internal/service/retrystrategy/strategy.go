// Package retrystrategy turns a categorized failure into a concrete retry
// decision: whether to retry, how long to wait, and when to give up.
package retrystrategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// Decision is the verdict for one failed attempt.
type Decision struct {
	ShouldRetry              bool
	Delay                    time.Duration
	Reason                   string
	NextAttemptAt            time.Time
	MaxRetriesReached        bool
	RequiresUserIntervention bool
	UseCircuitBreaker        bool
	Metadata                 map[string]any
}

// Input carries everything the engine needs for one decision.
type Input struct {
	Job                domain.Job
	Err                error
	Analysis           domain.FailureAnalysis
	Marketplace        string
	ProcessingDuration time.Duration
}

// Defaults backstop analysis fields the categorizer left zero.
type Defaults struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterRange  float64
}

const (
	adaptiveWindow     = 24 * time.Hour
	adaptiveMinRecords = 20
	slowdownFactor     = 1.5
	speedupFactor      = 0.8
)

// Engine computes retry decisions and records attempt history.
type Engine struct {
	clock    clockx.Clock
	ids      clockx.IDGenerator
	history  domain.RetryHistoryStore
	defaults Defaults
	rand     func() float64 // uniform in [0,1); injected for determinism
}

// New constructs an Engine. rand may be nil, disabling jitter.
func New(clock clockx.Clock, ids clockx.IDGenerator, history domain.RetryHistoryStore, defaults Defaults, rand func() float64) *Engine {
	return &Engine{
		clock:    clock,
		ids:      ids,
		history:  history,
		defaults: defaults,
		rand:     rand,
	}
}

// Decide evaluates one failed attempt and writes its history row. The
// history write is best-effort and never changes the decision.
func (e *Engine) Decide(ctx context.Context, in Input) Decision {
	a := e.normalize(in.Analysis)
	now := e.clock.Now()

	d := e.decide(ctx, in, a, now)
	e.record(ctx, in, a, d, now)
	return d
}

func (e *Engine) decide(ctx context.Context, in Input, a domain.FailureAnalysis, now time.Time) Decision {
	effectiveMax := in.Job.MaxAttempts
	if a.MaxRetries < effectiveMax {
		effectiveMax = a.MaxRetries
	}

	if in.Job.Attempts >= effectiveMax {
		return Decision{
			ShouldRetry:              false,
			MaxRetriesReached:        true,
			Reason:                   fmt.Sprintf("max retries reached (%d/%d)", in.Job.Attempts, effectiveMax),
			RequiresUserIntervention: a.RequiresUserIntervention,
			UseCircuitBreaker:        a.CircuitBreakerEnabled,
			Metadata:                 e.metadata(a, effectiveMax, 1),
		}
	}

	if !a.ShouldRetry {
		return Decision{
			ShouldRetry:              false,
			MaxRetriesReached:        false,
			Reason:                   fmt.Sprintf("%s failures are not retryable", a.Category),
			RequiresUserIntervention: a.RequiresUserIntervention,
			UseCircuitBreaker:        a.CircuitBreakerEnabled,
			Metadata:                 e.metadata(a, effectiveMax, 1),
		}
	}

	delay := time.Duration(float64(a.BaseDelay) * math.Pow(a.BackoffMultiplier, float64(in.Job.Attempts-1)))
	if delay > a.MaxDelay {
		delay = a.MaxDelay
	}

	factor := e.adaptiveFactor(ctx, in.Marketplace, now)
	if factor != 1 {
		delay = time.Duration(float64(delay) * factor)
		if delay > a.MaxDelay {
			delay = a.MaxDelay
		}
	}

	if e.rand != nil && a.JitterRange > 0 {
		jitter := float64(delay) * a.JitterRange * (2*e.rand() - 1)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = 0
		}
	}

	return Decision{
		ShouldRetry:              true,
		Delay:                    delay,
		Reason:                   fmt.Sprintf("attempt %d/%d after %s failure", in.Job.Attempts, effectiveMax, a.Category),
		NextAttemptAt:            now.Add(delay),
		RequiresUserIntervention: a.RequiresUserIntervention,
		UseCircuitBreaker:        a.CircuitBreakerEnabled,
		Metadata:                 e.metadata(a, effectiveMax, factor),
	}
}

// adaptiveFactor slows retries against a struggling marketplace and speeds
// them up against a healthy one, based on the last 24h of outcomes.
func (e *Engine) adaptiveFactor(ctx context.Context, marketplace string, now time.Time) float64 {
	if marketplace == "" || e.history == nil {
		return 1
	}
	stats, err := e.history.RecentRetryStats(ctx, marketplace, now.Add(-adaptiveWindow))
	if err != nil {
		slog.Debug("retry stats lookup failed",
			slog.String("marketplace", marketplace), slog.Any("error", err))
		return 1
	}
	if stats.Total < adaptiveMinRecords {
		return 1
	}
	rate := stats.SuccessRate()
	switch {
	case rate < 0.8:
		return slowdownFactor
	case rate > 0.95:
		return speedupFactor
	default:
		return 1
	}
}

func (e *Engine) record(ctx context.Context, in Input, a domain.FailureAnalysis, d Decision, now time.Time) {
	if e.history == nil {
		return
	}
	outcome := domain.RetryOutcomeFailure
	if d.ShouldRetry {
		outcome = domain.RetryOutcomeRetry
	}
	msg := ""
	if in.Err != nil {
		msg = in.Err.Error()
	}
	row := domain.JobRetryHistory{
		ID:                 e.ids.NewID(),
		JobID:              in.Job.ID,
		AttemptNumber:      in.Job.Attempts,
		FailureCategory:    a.Category,
		ErrorType:          a.ErrorType,
		ErrorMessage:       msg,
		Marketplace:        in.Marketplace,
		RetryDelay:         d.Delay,
		NextRetryAt:        d.NextAttemptAt,
		ProcessingDuration: in.ProcessingDuration,
		Outcome:            outcome,
		Timestamp:          now,
	}
	if err := e.history.CreateRetryHistory(ctx, row); err != nil {
		slog.Warn("retry history write failed",
			slog.String("job_id", in.Job.ID), slog.Any("error", err))
	}
}

func (e *Engine) metadata(a domain.FailureAnalysis, effectiveMax int, factor float64) map[string]any {
	return map[string]any{
		"category":        string(a.Category),
		"confidence":      a.Confidence,
		"effective_max":   effectiveMax,
		"adaptive_factor": factor,
	}
}

// normalize backstops zero-valued analysis fields with engine defaults so a
// thin categorization still yields a sane schedule.
func (e *Engine) normalize(a domain.FailureAnalysis) domain.FailureAnalysis {
	if a.MaxRetries <= 0 {
		a.MaxRetries = e.defaults.MaxAttempts
	}
	if a.BaseDelay <= 0 {
		a.BaseDelay = e.defaults.InitialDelay
	}
	if a.MaxDelay <= 0 {
		a.MaxDelay = e.defaults.MaxDelay
	}
	if a.BackoffMultiplier <= 0 {
		a.BackoffMultiplier = e.defaults.Multiplier
	}
	if a.JitterRange < 0 {
		a.JitterRange = e.defaults.JitterRange
	}
	return a
}
