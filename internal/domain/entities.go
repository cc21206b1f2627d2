// Package domain holds the entities, ports, and error taxonomy shared by the
// orchestrator core. It has no dependencies on adapters.
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrConfiguration   = errors.New("configuration error")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrInternal        = errors.New("internal error")
)

// User is created externally; the core only references it.
type User struct {
	ID       string
	Timezone string
	Plan     string
}

// ListingStatus enumerates listing lifecycle states.
type ListingStatus string

const (
	ListingDraft    ListingStatus = "draft"
	ListingActive   ListingStatus = "active"
	ListingSold     ListingStatus = "sold"
	ListingDelisted ListingStatus = "delisted"
)

// Listing is the seller's product record, source of truth on our side.
type Listing struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Price       float64
	Images      []string
	Category    string
	Status      ListingStatus
	CreatedAt   time.Time
}

// ListingPostStatus enumerates per-marketplace post states.
type ListingPostStatus string

const (
	PostPending  ListingPostStatus = "pending"
	PostPosted   ListingPostStatus = "posted"
	PostFailed   ListingPostStatus = "failed"
	PostDelisted ListingPostStatus = "delisted"
)

// ListingPost is the materialized presence of a Listing on one marketplace.
// At most one row per (ListingID, Marketplace) is in status posted at a time;
// delisted is terminal for the row.
type ListingPost struct {
	ID           string
	ListingID    string
	Marketplace  string
	ExternalID   string
	ExternalURL  string
	Status       ListingPostStatus
	ErrorMessage string
	PostedAt     *time.Time
}

// MarketplaceConnection holds the authoritative credentials for one
// (user, marketplace) pair. Tokens are refreshed lazily when expired.
type MarketplaceConnection struct {
	ID             string
	UserID         string
	Marketplace    string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	IsConnected    bool
	Settings       map[string]string
}

// TokenExpired reports whether the access token needs a refresh at now.
func (c MarketplaceConnection) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !now.Before(*c.TokenExpiresAt)
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobType keys the processor registry and the payload codec.
type JobType string

const (
	JobTypePostListing       JobType = "post-listing"
	JobTypeDelistListing     JobType = "delist-listing"
	JobTypeSyncInventory     JobType = "sync-inventory"
	JobTypeAutomationExecute JobType = "automation_execute"
	JobTypeAutomationBatch   JobType = "automation_batch"
)

// SchedulingMetadata records how a job's scheduledFor was chosen so post-hoc
// analysis can weigh learned vs default windows.
type SchedulingMetadata struct {
	Reasoning            string  `json:"reasoning"`
	Source               string  `json:"source"`
	ConfidenceScore      float64 `json:"confidence_score"`
	EstimatedSuccessRate float64 `json:"estimated_success_rate"`
	Strategy             string  `json:"strategy"`
}

// Job is one unit of work on the queue. Data is a typed payload encoded per
// Type; unknown types are rejected at enqueue.
type Job struct {
	ID                 string
	UserID             string
	Type               JobType
	Data               json.RawMessage
	Priority           int
	Status             JobStatus
	Attempts           int
	MaxAttempts        int
	Progress           int
	Result             json.RawMessage
	ErrorMessage       string
	ScheduledFor       time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	MarketplaceGroup   string
	SchedulingMetadata *SchedulingMetadata
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RetryOutcome labels a retry-history row.
type RetryOutcome string

const (
	RetryOutcomeRetry   RetryOutcome = "retry"
	RetryOutcomeSuccess RetryOutcome = "success"
	RetryOutcomeFailure RetryOutcome = "failure"
)

// JobRetryHistory is one attempt record, written on every retry decision and
// on terminal outcomes. It feeds the adaptive backoff adjustment.
type JobRetryHistory struct {
	ID                 string
	JobID              string
	AttemptNumber      int
	FailureCategory    FailureCategory
	ErrorType          string
	ErrorMessage       string
	Marketplace        string
	RetryDelay         time.Duration
	NextRetryAt        time.Time
	ProcessingDuration time.Duration
	Outcome            RetryOutcome
	Timestamp          time.Time
}

// CircuitState enumerates breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitThresholds configures one marketplace's breaker.
type CircuitThresholds struct {
	Failure     int
	Recovery    int
	Timeout     time.Duration
	HalfOpenMax int
}

// CircuitBreakerStatus is the persisted breaker state for one marketplace.
type CircuitBreakerStatus struct {
	Marketplace      string
	State            CircuitState
	FailureCount     int
	SuccessCount     int
	LastFailureAt    *time.Time
	LastSuccessAt    *time.Time
	OpenedAt         *time.Time
	NextRetryAt      *time.Time
	HalfOpenInFlight int
	Thresholds       CircuitThresholds
}

// WindowKind enumerates rate-limit window granularities.
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// Duration returns the span covered by the window kind.
func (k WindowKind) Duration() time.Duration {
	switch k {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// RateLimitWindow is a fixed-start window of consumed call budget. The row
// covers [WindowStart, WindowStart + Kind.Duration()).
type RateLimitWindow struct {
	Marketplace string
	Kind        WindowKind
	WindowStart time.Time
	Count       int
	Limit       int
}

// DLQResolution enumerates dead-letter resolution states.
type DLQResolution string

const (
	DLQPending   DLQResolution = "pending"
	DLQResolved  DLQResolution = "resolved"
	DLQDiscarded DLQResolution = "discarded"
)

// DeadLetterEntry records a job that exhausted retries on a retryable
// failure category.
type DeadLetterEntry struct {
	ID                   string
	OriginalJobID        string
	JobType              JobType
	UserID               string
	FinalFailureCategory FailureCategory
	TotalAttempts        int
	LastError            string
	Payload              json.RawMessage
	RequiresManualReview bool
	ResolutionStatus     DLQResolution
	CreatedAt            time.Time
}

// OptimalWindow is a (dayOfWeek, hourRange, timezone, score) tuple indicating
// when posting tends to succeed. Hours are half-open: [StartHour, EndHour).
type OptimalWindow struct {
	DayOfWeek int     `json:"day_of_week" yaml:"day_of_week"`
	StartHour int     `json:"start_hour" yaml:"start_hour"`
	EndHour   int     `json:"end_hour" yaml:"end_hour"`
	Timezone  string  `json:"timezone" yaml:"timezone"`
	Score     float64 `json:"score" yaml:"score"`
}

// MarketplacePostingRule overrides the registry's default windows.
type MarketplacePostingRule struct {
	Marketplace    string
	OptimalWindows []OptimalWindow
}

// PostingSuccessAnalytics is one observed posting outcome; these rows feed
// the scheduler's window enhancement.
type PostingSuccessAnalytics struct {
	UserID          string
	Marketplace     string
	ListingID       string
	PostedAt        time.Time
	DayOfWeek       int
	HourOfDay       int
	Views           int
	Likes           int
	Messages        int
	Sold            bool
	DaysToSell      *int
	SuccessScore    float64
	EngagementScore float64
}

// EngagementScoreOf derives the engagement score from raw signals, capped at 100.
func EngagementScoreOf(views, likes, messages int) float64 {
	s := float64(messages)*10 + float64(likes)*3 + float64(views)*0.1
	if s > 100 {
		s = 100
	}
	return s
}

// SuccessScoreOf derives the success score for a posting outcome.
func SuccessScoreOf(success bool, engagement float64) float64 {
	if success {
		return 70 + 0.3*engagement
	}
	return 30 + 0.3*engagement
}

// AuditLog is an append-only operator-facing record.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Detail    string
	CreatedAt time.Time
}
