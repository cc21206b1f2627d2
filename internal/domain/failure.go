package domain

import "time"

// FailureCategory classifies a marketplace call failure. The category drives
// retry policy, circuit breaking, and DLQ placement.
type FailureCategory string

const (
	FailureRateLimit    FailureCategory = "rate_limit"
	FailureNetwork      FailureCategory = "network"
	FailureAuth         FailureCategory = "auth"
	FailureServerError  FailureCategory = "server_error"
	FailureClientError  FailureCategory = "client_error"
	FailureMaintenance  FailureCategory = "marketplace_maintenance"
	FailureTemporary    FailureCategory = "temporary"
	FailureValidation   FailureCategory = "data_validation"
	FailurePermanent    FailureCategory = "permanent"
	FailureUnknown      FailureCategory = "unknown"
)

// Retryable reports whether the category is eligible for retries at all.
// Jobs that exhaust retries on a retryable category land in the DLQ.
func (c FailureCategory) Retryable() bool {
	switch c {
	case FailureRateLimit, FailureNetwork, FailureAuth, FailureServerError,
		FailureMaintenance, FailureTemporary, FailureUnknown:
		return true
	default:
		return false
	}
}

// FailureAnalysis is the categorizer's verdict for one failure.
type FailureAnalysis struct {
	Category                 FailureCategory
	ErrorType                string
	Confidence               float64
	ShouldRetry              bool
	MaxRetries               int
	BaseDelay                time.Duration
	MaxDelay                 time.Duration
	BackoffMultiplier        float64
	JitterRange              float64
	RequiresUserIntervention bool
	CircuitBreakerEnabled    bool
}
