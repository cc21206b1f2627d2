package domain

import (
	"context"
	"fmt"
	"time"
)

// Typed marketplace call errors. Processors and the categorizer check these
// with errors.As; the message alone is never load-bearing.

// RateLimitError is raised by a marketplace mid-call after a 429 or
// equivalent. Wait is the marketplace-provided cool-off, zero if unknown.
type RateLimitError struct {
	Marketplace string
	Wait        time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("marketplace %s rate limited, wait %s", e.Marketplace, e.Wait)
}

// AuthError indicates rejected or expired credentials.
type AuthError struct {
	Marketplace string
	Reason      string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("marketplace %s auth failed: %s", e.Marketplace, e.Reason)
}

// ValidationError indicates the listing payload was rejected; retrying the
// same payload cannot succeed.
type ValidationError struct {
	Marketplace string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("marketplace %s rejected listing: %s", e.Marketplace, e.Reason)
}

// TransientError indicates a marketplace-side fault (5xx class).
type TransientError struct {
	Marketplace string
	StatusCode  int
	Reason      string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("marketplace %s transient error (status %d): %s", e.Marketplace, e.StatusCode, e.Reason)
}

// NetworkError indicates a transport-level fault (timeout, reset, DNS).
type NetworkError struct {
	Marketplace string
	Cause       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("marketplace %s network error: %v", e.Marketplace, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// RescheduleError asks the worker to put the job back to pending at a given
// time. It is not a failure: no retry attempt is consumed and no retry
// history row is written beyond the claim already counted.
type RescheduleError struct {
	At     time.Time
	Reason string
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule at %s: %s", e.At.Format(time.RFC3339), e.Reason)
}

// ExternalListing is the marketplace's handle for a created listing.
type ExternalListing struct {
	ExternalID string
	URL        string
}

// TokenGrant is the result of an OAuth exchange or refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// MarketplaceClient is implemented once per marketplace. All calls are
// bounded by a per-call timeout owned by the implementation.
type MarketplaceClient interface {
	CreateListing(ctx context.Context, l Listing, conn MarketplaceConnection) (ExternalListing, error)
	UpdateListing(ctx context.Context, externalID string, fields map[string]any, conn MarketplaceConnection) error
	DeleteListing(ctx context.Context, externalID string, conn MarketplaceConnection) error
	TestConnection(ctx context.Context, conn MarketplaceConnection) (bool, error)
	AuthURL() string
	ExchangeToken(ctx context.Context, code string) (TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error)
}

// Storage ports. Implementations carry no business logic; callers own all
// state-machine decisions.

// JobStore persists the job queue.
type JobStore interface {
	CreateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	UpdateJob(ctx context.Context, j Job) error
	// ClaimJob atomically transitions pending -> processing, sets StartedAt,
	// and increments Attempts. The bool is false when another worker won.
	ClaimJob(ctx context.Context, id string, now time.Time) (Job, bool, error)
	// ListDueJobs returns pending jobs with scheduledFor <= now ordered by
	// (priority desc, scheduledFor asc), at most limit rows.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// ListJobsByStatus returns jobs in the given status, oldest first.
	ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]Job, error)
}

// ListingStore persists listings.
type ListingStore interface {
	CreateListing(ctx context.Context, l Listing) error
	GetListing(ctx context.Context, id string) (Listing, error)
	UpdateListingStatus(ctx context.Context, id string, status ListingStatus) error
}

// ListingPostStore persists per-marketplace posts.
type ListingPostStore interface {
	CreateListingPost(ctx context.Context, p ListingPost) error
	// GetListingPost returns the row for (listingID, marketplace) or ErrNotFound.
	GetListingPost(ctx context.Context, listingID, marketplace string) (ListingPost, error)
	UpdateListingPost(ctx context.Context, p ListingPost) error
	ListListingPosts(ctx context.Context, listingID string) ([]ListingPost, error)
}

// ConnectionStore persists marketplace credentials.
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID, marketplace string) (MarketplaceConnection, error)
	UpdateConnection(ctx context.Context, c MarketplaceConnection) error
}

// RetryStats summarizes recent retry outcomes for one marketplace.
type RetryStats struct {
	Total     int
	Succeeded int
}

// SuccessRate returns succeeded/total, or 1 when there is no history.
func (s RetryStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// RetryHistoryStore persists attempt records.
type RetryHistoryStore interface {
	CreateRetryHistory(ctx context.Context, h JobRetryHistory) error
	ListRetryHistory(ctx context.Context, jobID string) ([]JobRetryHistory, error)
	// RecentRetryStats aggregates rows for marketplace since the given time.
	RecentRetryStats(ctx context.Context, marketplace string, since time.Time) (RetryStats, error)
}

// CircuitStateStore mirrors breaker state for the status surface.
type CircuitStateStore interface {
	SaveCircuitStatus(ctx context.Context, s CircuitBreakerStatus) error
	GetCircuitStatus(ctx context.Context, marketplace string) (CircuitBreakerStatus, error)
	ListCircuitStatuses(ctx context.Context) ([]CircuitBreakerStatus, error)
}

// RateLimitStore mirrors window usage for the status surface.
type RateLimitStore interface {
	SaveRateLimitWindow(ctx context.Context, w RateLimitWindow) error
	ListRateLimitWindows(ctx context.Context, marketplace string) ([]RateLimitWindow, error)
}

// DeadLetterStore persists terminal failures for manual review and replay.
type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, e DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (DeadLetterEntry, error)
	UpdateDeadLetter(ctx context.Context, e DeadLetterEntry) error
	ListDeadLettersByUser(ctx context.Context, userID string, limit int) ([]DeadLetterEntry, error)
}

// PostingRuleStore persists stored optimal windows that override registry
// defaults. ErrNotFound means "use the defaults".
type PostingRuleStore interface {
	GetPostingRule(ctx context.Context, marketplace string) (MarketplacePostingRule, error)
	UpsertPostingRule(ctx context.Context, r MarketplacePostingRule) error
}

// AnalyticsStore persists posting outcomes for the scheduler.
type AnalyticsStore interface {
	CreateAnalytics(ctx context.Context, a PostingSuccessAnalytics) error
	ListAnalytics(ctx context.Context, userID, marketplace string, limit int) ([]PostingSuccessAnalytics, error)
}

// AuditStore records operator-facing events.
type AuditStore interface {
	CreateAuditLog(ctx context.Context, a AuditLog) error
}

// Storage aggregates every port the core needs. Adapters implement the whole
// surface; components depend only on the slices they use.
type Storage interface {
	JobStore
	ListingStore
	ListingPostStore
	ConnectionStore
	RetryHistoryStore
	CircuitStateStore
	RateLimitStore
	DeadLetterStore
	PostingRuleStore
	AnalyticsStore
	AuditStore
}

// Progress bus event types.
const (
	EventJobStatus     = "job_status"
	EventJobProgress   = "job_progress"
	EventRateLimit     = "rate_limit"
	EventSmartSchedule = "smart_schedule"
	EventBatchStarted  = "batch_started"
	EventBatchDone     = "batch_completed"
	EventAutomation    = "automation_status"
)

// ProgressEvent is the envelope pushed to per-user subscribers.
type ProgressEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
	Ts   time.Time      `json:"ts"`
}

// ProgressBus fans typed events out to per-user subscribers. Delivery is
// best-effort: disconnection drops pending events, ordering per subscriber
// is FIFO.
type ProgressBus interface {
	Publish(ctx context.Context, userID string, ev ProgressEvent)
	// Subscribe returns a receive channel and a cancel func that must be
	// called to detach the subscriber.
	Subscribe(ctx context.Context, userID string) (<-chan ProgressEvent, func())
}
