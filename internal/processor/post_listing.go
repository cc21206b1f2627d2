package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vendaro/crosslist/internal/domain"
)

// PostListing creates a listing on each requested marketplace. Marketplaces
// that already carry a posted row are skipped, which makes whole-job retries
// idempotent.
type PostListing struct {
	deps Deps
}

func NewPostListing(deps Deps) *PostListing { return &PostListing{deps: deps} }

func (p *PostListing) Type() domain.JobType { return domain.JobTypePostListing }

type marketplaceResult struct {
	Status      string `json:"status"` // posted | already_posted | failed | skipped
	ExternalID  string `json:"external_id,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (p *PostListing) Process(ctx context.Context, job *domain.Job) error {
	raw, err := domain.DecodePayload(job.Type, job.Data)
	if err != nil {
		return err
	}
	payload := raw.(domain.PostListingPayload)

	listing, err := p.deps.Store.GetListing(ctx, payload.ListingID)
	if err != nil {
		return fmt.Errorf("op=processor.post: %w", err)
	}

	results := make(map[string]marketplaceResult, len(payload.Marketplaces))
	var (
		succeeded int
		firstErr  error
	)
	for i, mkt := range payload.Marketplaces {
		job.Progress = i * 100 / len(payload.Marketplaces)

		res, err := p.postOne(ctx, job, listing, mkt)
		results[mkt] = res
		if err != nil {
			var resched *domain.RescheduleError
			if errors.As(err, &resched) {
				return err // whole-job reschedule, nothing recorded as failure
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Status == "posted" || res.Status == "already_posted" {
			succeeded++
		}
	}

	job.Result, err = json.Marshal(results)
	if err != nil {
		return fmt.Errorf("op=processor.post: %w", err)
	}
	job.Progress = 100

	if succeeded > 0 {
		if err := p.deps.Store.UpdateListingStatus(ctx, listing.ID, domain.ListingActive); err != nil {
			slog.Warn("listing activation failed",
				slog.String("listing_id", listing.ID), slog.Any("error", err))
		}
		return nil
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

func (p *PostListing) postOne(ctx context.Context, job *domain.Job, listing domain.Listing, mkt string) (marketplaceResult, error) {
	deps := p.deps

	// Idempotency: a marketplace that already carries this listing is done.
	if post, err := deps.Store.GetListingPost(ctx, listing.ID, mkt); err == nil && post.Status == domain.PostPosted {
		return marketplaceResult{Status: "already_posted", ExternalID: post.ExternalID, ExternalURL: post.ExternalURL}, nil
	}

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

	post, err := p.pendingPost(ctx, listing.ID, mkt)
	if err != nil {
		return marketplaceResult{Status: "failed", Error: err.Error()}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, info.CallTimeout)
	external, err := p.createWithAuthRetry(callCtx, job, listing, conn, info.Client, mkt)
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

		post.Status = domain.PostFailed
		post.ErrorMessage = err.Error()
		if uerr := deps.Store.UpdateListingPost(ctx, post); uerr != nil {
			slog.Warn("listing post update failed", slog.String("post_id", post.ID), slog.Any("error", uerr))
		}
		deps.recordAnalytics(ctx, job.UserID, mkt, listing.ID, false)
		return marketplaceResult{Status: "failed", Error: err.Error()}, err
	}

	deps.Limiter.Record(ctx, mkt, true)
	now := deps.Clock.Now()
	post.Status = domain.PostPosted
	post.ExternalID = external.ExternalID
	post.ExternalURL = external.URL
	post.ErrorMessage = ""
	post.PostedAt = &now
	if err := deps.Store.UpdateListingPost(ctx, post); err != nil {
		return marketplaceResult{Status: "failed", Error: err.Error()}, fmt.Errorf("op=processor.post: %w", err)
	}
	deps.recordAnalytics(ctx, job.UserID, mkt, listing.ID, true)
	deps.publish(ctx, job.UserID, domain.EventJobProgress, map[string]any{
		"job_id":      job.ID,
		"marketplace": mkt,
		"phase":       "success",
		"external_id": external.ExternalID,
	})
	return marketplaceResult{Status: "posted", ExternalID: external.ExternalID, ExternalURL: external.URL}, nil
}

// createWithAuthRetry calls createListing, refreshing an expired token once
// when the marketplace rejects the credentials.
func (p *PostListing) createWithAuthRetry(ctx context.Context, job *domain.Job, listing domain.Listing, conn domain.MarketplaceConnection, client domain.MarketplaceClient, mkt string) (domain.ExternalListing, error) {
	external, err := client.CreateListing(ctx, listing, conn)
	var authErr *domain.AuthError
	if err == nil || !errors.As(err, &authErr) || conn.RefreshToken == "" {
		return external, err
	}

	grant, rerr := client.RefreshToken(ctx, conn.RefreshToken)
	if rerr != nil {
		return domain.ExternalListing{}, err // surface the original auth failure
	}
	conn.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		conn.RefreshToken = grant.RefreshToken
	}
	conn.TokenExpiresAt = grant.ExpiresAt
	if uerr := p.deps.Store.UpdateConnection(ctx, conn); uerr != nil {
		slog.Warn("connection update after refresh failed",
			slog.String("marketplace", mkt), slog.Any("error", uerr))
	}
	p.deps.audit(ctx, job.UserID, "auth_refreshed", mkt)
	return client.CreateListing(ctx, listing, conn)
}

// pendingPost finds or creates the pending row for (listing, marketplace).
func (p *PostListing) pendingPost(ctx context.Context, listingID, mkt string) (domain.ListingPost, error) {
	post, err := p.deps.Store.GetListingPost(ctx, listingID, mkt)
	switch {
	case err == nil:
		return post, nil
	case errors.Is(err, domain.ErrNotFound):
		post = domain.ListingPost{
			ID:          p.deps.IDs.NewID(),
			ListingID:   listingID,
			Marketplace: mkt,
			Status:      domain.PostPending,
		}
		if cerr := p.deps.Store.CreateListingPost(ctx, post); cerr != nil {
			return domain.ListingPost{}, fmt.Errorf("op=processor.post: %w", cerr)
		}
		return post, nil
	default:
		return domain.ListingPost{}, fmt.Errorf("op=processor.post: %w", err)
	}
}
