// Package usecase holds the intent API: the operations the HTTP layer (or
// any other driver) calls to create and cancel jobs.
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/service/scheduler"
	"github.com/vendaro/crosslist/pkg/clockx"
)

const (
	defaultPriority = 5
	urgentPriority  = 8
	syncPriority    = 9
)

// Intents is the application service behind the HTTP surface.
type Intents struct {
	clock       clockx.Clock
	ids         clockx.IDGenerator
	store       domain.Storage
	sched       *scheduler.Scheduler
	bus         domain.ProgressBus
	validate    *validator.Validate
	maxAttempts int
}

func NewIntents(clock clockx.Clock, ids clockx.IDGenerator, store domain.Storage, sched *scheduler.Scheduler, bus domain.ProgressBus, maxAttempts int) *Intents {
	return &Intents{
		clock:       clock,
		ids:         ids,
		store:       store,
		sched:       sched,
		bus:         bus,
		validate:    validator.New(),
		maxAttempts: maxAttempts,
	}
}

// PostListingRequest creates posting jobs for one listing.
type PostListingRequest struct {
	UserID             string   `validate:"required"`
	ListingID          string   `validate:"required"`
	Marketplaces       []string `validate:"required,min=1,dive,required"`
	RequestedTime      *time.Time
	Priority           int `validate:"gte=0,lte=10"`
	UseSmartScheduling bool
}

// CreatePostListingJob enqueues one job per marketplace. With smart
// scheduling each job lands in that marketplace's optimal window; without it
// everything is scheduled at the requested time (or now).
func (i *Intents) CreatePostListingJob(ctx context.Context, req PostListingRequest) ([]domain.Job, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("op=intents.post: %w: %v", domain.ErrInvalidArgument, err)
	}
	if _, err := i.store.GetListing(ctx, req.ListingID); err != nil {
		return nil, fmt.Errorf("op=intents.post: %w", err)
	}
	priority := req.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	now := i.clock.Now()
	group := i.ids.NewID()

	if !req.UseSmartScheduling {
		at := now
		if req.RequestedTime != nil && req.RequestedTime.After(now) {
			at = *req.RequestedTime
		}
		job, err := i.enqueuePost(ctx, req.UserID, req.ListingID, req.Marketplaces, priority, at, group, nil)
		if err != nil {
			return nil, err
		}
		return []domain.Job{job}, nil
	}

	plan, err := i.sched.Plan(ctx, scheduler.Request{
		UserID:        req.UserID,
		ListingID:     req.ListingID,
		Marketplaces:  req.Marketplaces,
		RequestedTime: req.RequestedTime,
		Priority:      priority,
	})
	if err != nil {
		return nil, fmt.Errorf("op=intents.post: %w", err)
	}

	jobs := make([]domain.Job, 0, len(plan.Placements))
	for _, p := range plan.Placements {
		meta := &domain.SchedulingMetadata{
			Reasoning:            p.Reasoning,
			Source:               p.Source,
			ConfidenceScore:      p.ConfidenceScore,
			EstimatedSuccessRate: p.EstimatedSuccessRate,
			Strategy:             plan.Strategy,
		}
		job, err := i.enqueuePost(ctx, req.UserID, req.ListingID, []string{p.Marketplace}, priority, p.ScheduledFor, group, meta)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	i.publish(ctx, req.UserID, domain.EventSmartSchedule, map[string]any{
		"listing_id": req.ListingID,
		"strategy":   plan.Strategy,
		"jobs":       len(jobs),
	})
	return jobs, nil
}

func (i *Intents) enqueuePost(ctx context.Context, userID, listingID string, marketplaces []string, priority int, at time.Time, group string, meta *domain.SchedulingMetadata) (domain.Job, error) {
	data, err := domain.EncodePayload(domain.JobTypePostListing, domain.PostListingPayload{
		ListingID:    listingID,
		Marketplaces: marketplaces,
	})
	if err != nil {
		return domain.Job{}, err
	}
	now := i.clock.Now()
	job := domain.Job{
		ID:                 i.ids.NewJobID(),
		UserID:             userID,
		Type:               domain.JobTypePostListing,
		Data:               data,
		Priority:           priority,
		Status:             domain.JobPending,
		MaxAttempts:        i.maxAttempts,
		ScheduledFor:       at,
		MarketplaceGroup:   group,
		SchedulingMetadata: meta,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := i.store.CreateJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.enqueue: %w", err)
	}
	i.publish(ctx, userID, domain.EventJobStatus, map[string]any{
		"job_id": job.ID, "status": "queued", "scheduled_for": at,
	})
	return job, nil
}

// DelistListingRequest removes a listing from marketplaces. Empty
// Marketplaces means everywhere it is posted.
type DelistListingRequest struct {
	UserID       string `validate:"required"`
	ListingID    string `validate:"required"`
	Marketplaces []string
	Reason       string
	Urgent       bool
}

func (i *Intents) CreateDelistListingJob(ctx context.Context, req DelistListingRequest) (domain.Job, error) {
	if err := i.validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.delist: %w: %v", domain.ErrInvalidArgument, err)
	}
	data, err := domain.EncodePayload(domain.JobTypeDelistListing, domain.DelistListingPayload{
		ListingID:    req.ListingID,
		Marketplaces: req.Marketplaces,
		Reason:       req.Reason,
	})
	if err != nil {
		return domain.Job{}, err
	}
	priority := defaultPriority
	if req.Urgent {
		priority = urgentPriority
	}
	now := i.clock.Now()
	job := domain.Job{
		ID:           i.ids.NewJobID(),
		UserID:       req.UserID,
		Type:         domain.JobTypeDelistListing,
		Data:         data,
		Priority:     priority,
		Status:       domain.JobPending,
		MaxAttempts:  i.maxAttempts,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := i.store.CreateJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.delist: %w", err)
	}
	return job, nil
}

// SyncInventoryRequest reacts to an off-platform sale.
type SyncInventoryRequest struct {
	UserID          string `validate:"required"`
	ListingID       string `validate:"required"`
	SoldMarketplace string `validate:"required"`
}

func (i *Intents) CreateSyncInventoryJob(ctx context.Context, req SyncInventoryRequest) (domain.Job, error) {
	if err := i.validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.sync: %w: %v", domain.ErrInvalidArgument, err)
	}
	data, err := domain.EncodePayload(domain.JobTypeSyncInventory, domain.SyncInventoryPayload{
		ListingID:       req.ListingID,
		SoldMarketplace: req.SoldMarketplace,
	})
	if err != nil {
		return domain.Job{}, err
	}
	now := i.clock.Now()
	job := domain.Job{
		ID:           i.ids.NewJobID(),
		UserID:       req.UserID,
		Type:         domain.JobTypeSyncInventory,
		Data:         data,
		Priority:     syncPriority,
		Status:       domain.JobPending,
		MaxAttempts:  i.maxAttempts,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := i.store.CreateJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.sync: %w", err)
	}
	return job, nil
}

// BatchItem is one listing in a batch posting request.
type BatchItem struct {
	ListingID    string   `validate:"required"`
	Marketplaces []string `validate:"required,min=1,dive,required"`
}

// BatchPostingRequest spreads many listings across a time span to avoid
// marketplace bursts.
type BatchPostingRequest struct {
	UserID              string      `validate:"required"`
	Items               []BatchItem `validate:"required,min=1,dive"`
	RequestedTime       *time.Time
	DistributionMinutes int `validate:"gte=0"`
}

func (i *Intents) CreateBatchPostingJob(ctx context.Context, req BatchPostingRequest) ([]domain.Job, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("op=intents.batch: %w: %v", domain.ErrInvalidArgument, err)
	}
	minutes := req.DistributionMinutes
	if minutes == 0 {
		minutes = 60
	}

	now := i.clock.Now()
	start := now
	if req.RequestedTime != nil && req.RequestedTime.After(now) {
		start = *req.RequestedTime
	}

	// Items are spread evenly across the distribution span.
	var step time.Duration
	if len(req.Items) > 1 {
		step = time.Duration(minutes) * time.Minute / time.Duration(len(req.Items)-1)
	}

	group := i.ids.NewID()
	jobs := make([]domain.Job, 0, len(req.Items))
	for n, item := range req.Items {
		at := start.Add(time.Duration(n) * step)
		job, err := i.enqueuePost(ctx, req.UserID, item.ListingID, item.Marketplaces, defaultPriority, at, group, nil)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	i.publish(ctx, req.UserID, domain.EventBatchStarted, map[string]any{
		"group":                group,
		"jobs":                 len(jobs),
		"distribution_minutes": minutes,
	})
	return jobs, nil
}

// CancelJob cancels a pending job. Processing and terminal jobs cannot be
// cancelled.
func (i *Intents) CancelJob(ctx context.Context, userID, jobID string) (domain.Job, error) {
	job, err := i.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.cancel: %w", err)
	}
	if job.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=intents.cancel: job %s: %w", jobID, domain.ErrNotFound)
	}
	if job.Status != domain.JobPending {
		return domain.Job{}, fmt.Errorf("op=intents.cancel: job %s is %s: %w", jobID, job.Status, domain.ErrConflict)
	}
	now := i.clock.Now()
	job.Status = domain.JobCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := i.store.UpdateJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.cancel: %w", err)
	}
	i.publish(ctx, userID, domain.EventJobStatus, map[string]any{
		"job_id": job.ID, "status": "cancelled",
	})
	return job, nil
}

// CancelAutomationJobs cancels every pending automation job carrying ruleID
// and returns how many were cancelled.
func (i *Intents) CancelAutomationJobs(ctx context.Context, ruleID string) (int, error) {
	if ruleID == "" {
		return 0, fmt.Errorf("op=intents.cancel_automation: empty rule id: %w", domain.ErrInvalidArgument)
	}
	pending, err := i.store.ListJobsByStatus(ctx, domain.JobPending, 0)
	if err != nil {
		return 0, fmt.Errorf("op=intents.cancel_automation: %w", err)
	}

	cancelled := 0
	now := i.clock.Now()
	for _, job := range pending {
		if job.Type != domain.JobTypeAutomationExecute && job.Type != domain.JobTypeAutomationBatch {
			continue
		}
		raw, err := domain.DecodePayload(job.Type, job.Data)
		if err != nil {
			continue
		}
		payload, ok := raw.(domain.AutomationPayload)
		if !ok || payload.RuleID != ruleID {
			continue
		}
		job.Status = domain.JobCancelled
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := i.store.UpdateJob(ctx, job); err != nil {
			return cancelled, fmt.Errorf("op=intents.cancel_automation: %w", err)
		}
		cancelled++
	}
	return cancelled, nil
}

// GetJob returns one of the user's jobs.
func (i *Intents) GetJob(ctx context.Context, userID, jobID string) (domain.Job, error) {
	job, err := i.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=intents.get: %w", err)
	}
	if job.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=intents.get: job %s: %w", jobID, domain.ErrNotFound)
	}
	return job, nil
}

func (i *Intents) publish(ctx context.Context, userID, typ string, data map[string]any) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(ctx, userID, domain.ProgressEvent{Type: typ, Data: data, Ts: i.clock.Now()})
}
