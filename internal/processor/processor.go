// Package processor holds the per-job-type execution logic. The worker owns
// claiming, retries, and terminal status; processors own the marketplace
// side effects and the job result.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/vendaro/crosslist/internal/adapter/marketplace"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/service/ratelimit"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// Processor executes one job type. Process mutates job in place (progress,
// result) and returns nil on completion. A returned *domain.RescheduleError
// puts the job back to pending without consuming a retry.
type Processor interface {
	Type() domain.JobType
	Process(ctx context.Context, job *domain.Job) error
}

// SleepFn pauses for d or until ctx is done. Injected so tests with a fake
// clock never actually wait.
type SleepFn func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFn.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deps bundles what every processor needs.
type Deps struct {
	Clock    clockx.Clock
	IDs      clockx.IDGenerator
	Store    domain.Storage
	Registry *marketplace.Registry
	Limiter  ratelimit.Service
	Bus      domain.ProgressBus
	Sleep    SleepFn
	// OnRateLimitDenied, when set, observes each limiter denial.
	OnRateLimitDenied func(marketplace, reason string)
}

// Registry maps job types to processors.
type Registry struct {
	byType map[domain.JobType]Processor
}

func NewRegistry(procs ...Processor) *Registry {
	byType := make(map[domain.JobType]Processor, len(procs))
	for _, p := range procs {
		byType[p.Type()] = p
	}
	return &Registry{byType: byType}
}

// Lookup returns the processor for t.
func (r *Registry) Lookup(t domain.JobType) (Processor, error) {
	p, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("op=processor.lookup: %w: no processor for job type %q",
			domain.ErrConfiguration, t)
	}
	return p, nil
}

// DefaultRegistry wires every built-in processor.
func DefaultRegistry(deps Deps) *Registry {
	return NewRegistry(
		NewPostListing(deps),
		NewDelistListing(deps),
		NewSyncInventory(deps),
		NewAutomation(deps, domain.JobTypeAutomationExecute),
		NewAutomation(deps, domain.JobTypeAutomationBatch),
	)
}

func (d Deps) publish(ctx context.Context, userID, eventType string, data map[string]any) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(ctx, userID, domain.ProgressEvent{Type: eventType, Data: data, Ts: d.Clock.Now()})
}

// connectionFor loads a usable connection or reports why there is none.
func (d Deps) connectionFor(ctx context.Context, userID, mkt string) (domain.MarketplaceConnection, string) {
	conn, err := d.Store.GetConnection(ctx, userID, mkt)
	if err != nil {
		return domain.MarketplaceConnection{}, "no connection"
	}
	if !conn.IsConnected {
		return domain.MarketplaceConnection{}, "marketplace disconnected"
	}
	return conn, ""
}

// acquireOrReschedule consumes one rate-limit unit; a denial converts to a
// whole-job reschedule.
func (d Deps) acquireOrReschedule(ctx context.Context, job *domain.Job, mkt string) error {
	decision, err := d.Limiter.Acquire(ctx, mkt)
	if err != nil {
		return fmt.Errorf("op=processor.ratelimit: %w", err)
	}
	if decision.Allowed {
		return nil
	}
	if d.OnRateLimitDenied != nil {
		d.OnRateLimitDenied(mkt, decision.Reason)
	}
	at := d.Clock.Now().Add(decision.Wait)
	d.publish(ctx, job.UserID, domain.EventRateLimit, map[string]any{
		"job_id":      job.ID,
		"marketplace": mkt,
		"wait_ms":     decision.Wait.Milliseconds(),
		"reason":      decision.Reason,
	})
	return &domain.RescheduleError{At: at, Reason: fmt.Sprintf("%s: %s", mkt, decision.Reason)}
}

// pace applies the inter-call spacing delay, announcing delays over a second.
func (d Deps) pace(ctx context.Context, job *domain.Job, mkt string) error {
	delay := d.Limiter.OptimalDelay(mkt, job.Priority)
	if delay <= time.Second {
		return nil
	}
	d.publish(ctx, job.UserID, domain.EventJobProgress, map[string]any{
		"job_id":      job.ID,
		"marketplace": mkt,
		"phase":       "delaying",
		"delay_ms":    delay.Milliseconds(),
	})
	if d.Sleep == nil {
		return nil
	}
	return d.Sleep(ctx, delay)
}

// recordAnalytics writes one posting outcome row for the scheduler to learn
// from. Engagement signals arrive later; the row starts at zero.
func (d Deps) recordAnalytics(ctx context.Context, userID, mkt, listingID string, success bool) {
	now := d.Clock.Now()
	engagement := domain.EngagementScoreOf(0, 0, 0)
	row := domain.PostingSuccessAnalytics{
		UserID:          userID,
		Marketplace:     mkt,
		ListingID:       listingID,
		PostedAt:        now,
		DayOfWeek:       int(now.Weekday()),
		HourOfDay:       now.Hour(),
		EngagementScore: engagement,
		SuccessScore:    domain.SuccessScoreOf(success, engagement),
	}
	_ = d.Store.CreateAnalytics(ctx, row)
}

func (d Deps) audit(ctx context.Context, userID, action, detail string) {
	_ = d.Store.CreateAuditLog(ctx, domain.AuditLog{
		ID:        d.IDs.NewID(),
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		CreatedAt: d.Clock.Now(),
	})
}
