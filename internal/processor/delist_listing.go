package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vendaro/crosslist/internal/domain"
)

// DelistListing removes a listing's posted rows from their marketplaces. An
// empty marketplace filter means every posted row.
type DelistListing struct {
	deps Deps
}

func NewDelistListing(deps Deps) *DelistListing { return &DelistListing{deps: deps} }

func (p *DelistListing) Type() domain.JobType { return domain.JobTypeDelistListing }

func (p *DelistListing) Process(ctx context.Context, job *domain.Job) error {
	raw, err := domain.DecodePayload(job.Type, job.Data)
	if err != nil {
		return err
	}
	payload := raw.(domain.DelistListingPayload)

	posts, err := p.deps.Store.ListListingPosts(ctx, payload.ListingID)
	if err != nil {
		return fmt.Errorf("op=processor.delist: %w", err)
	}

	wanted := map[string]bool{}
	for _, m := range payload.Marketplaces {
		wanted[m] = true
	}

	results := map[string]marketplaceResult{}
	var firstErr error
	for i, post := range posts {
		if post.Status != domain.PostPosted {
			continue
		}
		if len(wanted) > 0 && !wanted[post.Marketplace] {
			continue
		}
		job.Progress = i * 100 / len(posts)

		res, err := p.delistOne(ctx, job, post)
		results[post.Marketplace] = res
		if err != nil {
			var resched *domain.RescheduleError
			if errors.As(err, &resched) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	job.Result, err = json.Marshal(results)
	if err != nil {
		return fmt.Errorf("op=processor.delist: %w", err)
	}
	job.Progress = 100

	if firstErr != nil {
		return firstErr
	}

	// When nothing remains posted the listing itself is delisted.
	remaining, err := p.deps.Store.ListListingPosts(ctx, payload.ListingID)
	if err != nil {
		return fmt.Errorf("op=processor.delist: %w", err)
	}
	anyPosted := false
	for _, post := range remaining {
		if post.Status == domain.PostPosted {
			anyPosted = true
			break
		}
	}
	if !anyPosted {
		if err := p.deps.Store.UpdateListingStatus(ctx, payload.ListingID, domain.ListingDelisted); err != nil {
			slog.Warn("listing delist status update failed",
				slog.String("listing_id", payload.ListingID), slog.Any("error", err))
		}
	}
	return nil
}

func (p *DelistListing) delistOne(ctx context.Context, job *domain.Job, post domain.ListingPost) (marketplaceResult, error) {
	deps := p.deps
	mkt := post.Marketplace

	conn, why := deps.connectionFor(ctx, job.UserID, mkt)
	if why != "" {
		return marketplaceResult{Status: "skipped", Error: why}, nil
	}

	info, err := deps.Registry.Get(mkt)
	if err != nil {
		return marketplaceResult{Status: "failed", Error: err.Error()}, err
	}

	if err := deps.acquireOrReschedule(ctx, job, mkt); err != nil {
		return marketplaceResult{}, err
	}
	if err := deps.pace(ctx, job, mkt); err != nil {
		return marketplaceResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, info.CallTimeout)
	err = info.Client.DeleteListing(callCtx, post.ExternalID, conn)
	cancel()
	if err != nil {
		deps.Limiter.Record(ctx, mkt, false)

		var rle *domain.RateLimitError
		if errors.As(err, &rle) && rle.Wait > 0 {
			at := deps.Clock.Now().Add(rle.Wait)
			deps.publish(ctx, job.UserID, domain.EventRateLimit, map[string]any{
				"job_id":      job.ID,
				"marketplace": mkt,
				"wait_ms":     rle.Wait.Milliseconds(),
			})
			return marketplaceResult{}, &domain.RescheduleError{At: at, Reason: rle.Error()}
		}

		post.ErrorMessage = err.Error()
		if uerr := deps.Store.UpdateListingPost(ctx, post); uerr != nil {
			slog.Warn("listing post update failed", slog.String("post_id", post.ID), slog.Any("error", uerr))
		}
		return marketplaceResult{Status: "failed", Error: err.Error()}, err
	}

	deps.Limiter.Record(ctx, mkt, true)
	post.Status = domain.PostDelisted
	post.ErrorMessage = ""
	if err := deps.Store.UpdateListingPost(ctx, post); err != nil {
		return marketplaceResult{Status: "failed", Error: err.Error()}, fmt.Errorf("op=processor.delist: %w", err)
	}
	deps.recordAnalytics(ctx, job.UserID, mkt, post.ListingID, true)
	deps.publish(ctx, job.UserID, domain.EventJobProgress, map[string]any{
		"job_id":      job.ID,
		"marketplace": mkt,
		"phase":       "delisted",
	})
	return marketplaceResult{Status: "delisted"}, nil
}
