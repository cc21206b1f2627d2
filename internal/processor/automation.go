package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vendaro/crosslist/internal/domain"
)

// Automation runs marketplace-specific actions (share, bump, offer,
// price-drop, relist) over a set of listings. The action itself is opaque
// here; the marketplace client interprets it.
type Automation struct {
	deps    Deps
	jobType domain.JobType
}

func NewAutomation(deps Deps, jobType domain.JobType) *Automation {
	return &Automation{deps: deps, jobType: jobType}
}

func (p *Automation) Type() domain.JobType { return p.jobType }

func (p *Automation) Process(ctx context.Context, job *domain.Job) error {
	raw, err := domain.DecodePayload(job.Type, job.Data)
	if err != nil {
		return err
	}
	payload := raw.(domain.AutomationPayload)
	mkt := payload.Marketplace

	info, err := p.deps.Registry.Get(mkt)
	if err != nil {
		return err
	}
	conn, why := p.deps.connectionFor(ctx, job.UserID, mkt)
	if why != "" {
		return fmt.Errorf("op=processor.automation: %s on %s: %w", why, mkt, domain.ErrInvalidArgument)
	}

	batch := job.Type == domain.JobTypeAutomationBatch
	if batch {
		p.deps.publish(ctx, job.UserID, domain.EventBatchStarted, map[string]any{
			"job_id":  job.ID,
			"rule_id": payload.RuleID,
			"action":  payload.Action,
			"count":   len(payload.ListingIDs),
		})
	}

	fields := map[string]any{"action": payload.Action}
	for k, v := range payload.Params {
		fields[k] = v
	}

	results := map[string]marketplaceResult{}
	var firstErr error
	for i, listingID := range payload.ListingIDs {
		if len(payload.ListingIDs) > 0 {
			job.Progress = i * 100 / len(payload.ListingIDs)
		}

		post, err := p.deps.Store.GetListingPost(ctx, listingID, mkt)
		if err != nil || post.Status != domain.PostPosted {
			results[listingID] = marketplaceResult{Status: "skipped", Error: "not posted"}
			continue
		}

		if err := p.deps.acquireOrReschedule(ctx, job, mkt); err != nil {
			return err
		}
		if err := p.deps.pace(ctx, job, mkt); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, info.CallTimeout)
		err = info.Client.UpdateListing(callCtx, post.ExternalID, fields, conn)
		cancel()
		if err != nil {
			p.deps.Limiter.Record(ctx, mkt, false)
			var rle *domain.RateLimitError
			if errors.As(err, &rle) && rle.Wait > 0 {
				at := p.deps.Clock.Now().Add(rle.Wait)
				return &domain.RescheduleError{At: at, Reason: rle.Error()}
			}
			results[listingID] = marketplaceResult{Status: "failed", Error: err.Error()}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.deps.Limiter.Record(ctx, mkt, true)
		results[listingID] = marketplaceResult{Status: "done"}
	}

	job.Result, err = json.Marshal(results)
	if err != nil {
		return fmt.Errorf("op=processor.automation: %w", err)
	}
	job.Progress = 100

	p.deps.publish(ctx, job.UserID, eventForAutomation(batch), map[string]any{
		"job_id":  job.ID,
		"rule_id": payload.RuleID,
		"action":  payload.Action,
	})
	return firstErr
}

func eventForAutomation(batch bool) string {
	if batch {
		return domain.EventBatchDone
	}
	return domain.EventAutomation
}
