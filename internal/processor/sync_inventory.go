package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
)

// SyncInventory reacts to a sale on one marketplace: the listing goes to
// sold and delist jobs are enqueued for every other marketplace still
// carrying it. It makes no marketplace calls itself.
type SyncInventory struct {
	deps Deps
}

func NewSyncInventory(deps Deps) *SyncInventory { return &SyncInventory{deps: deps} }

func (p *SyncInventory) Type() domain.JobType { return domain.JobTypeSyncInventory }

const delistAfterSaleDelay = 10 * time.Second

func (p *SyncInventory) Process(ctx context.Context, job *domain.Job) error {
	raw, err := domain.DecodePayload(job.Type, job.Data)
	if err != nil {
		return err
	}
	payload := raw.(domain.SyncInventoryPayload)

	if err := p.deps.Store.UpdateListingStatus(ctx, payload.ListingID, domain.ListingSold); err != nil {
		return fmt.Errorf("op=processor.sync: %w", err)
	}

	posts, err := p.deps.Store.ListListingPosts(ctx, payload.ListingID)
	if err != nil {
		return fmt.Errorf("op=processor.sync: %w", err)
	}

	var toDelist []string
	for _, post := range posts {
		if post.Status == domain.PostPosted && post.Marketplace != payload.SoldMarketplace {
			toDelist = append(toDelist, post.Marketplace)
		}
	}

	var enqueued []string
	if len(toDelist) > 0 {
		data, err := domain.EncodePayload(domain.JobTypeDelistListing, domain.DelistListingPayload{
			ListingID:    payload.ListingID,
			Marketplaces: toDelist,
			Reason:       "sold_on_other_marketplace",
		})
		if err != nil {
			return err
		}
		now := p.deps.Clock.Now()
		delist := domain.Job{
			ID:           p.deps.IDs.NewJobID(),
			UserID:       job.UserID,
			Type:         domain.JobTypeDelistListing,
			Data:         data,
			Priority:     8,
			Status:       domain.JobPending,
			MaxAttempts:  job.MaxAttempts,
			ScheduledFor: now.Add(delistAfterSaleDelay),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := p.deps.Store.CreateJob(ctx, delist); err != nil {
			return fmt.Errorf("op=processor.sync: %w", err)
		}
		enqueued = append(enqueued, delist.ID)
	}

	job.Result, err = json.Marshal(map[string]any{
		"sold_marketplace": payload.SoldMarketplace,
		"delisting":        toDelist,
		"enqueued_jobs":    enqueued,
	})
	if err != nil {
		return fmt.Errorf("op=processor.sync: %w", err)
	}
	job.Progress = 100

	p.deps.publish(ctx, job.UserID, domain.EventJobProgress, map[string]any{
		"job_id":    job.ID,
		"phase":     "inventory_synced",
		"delisting": toDelist,
	})
	return nil
}
