// Package failure maps marketplace call errors to failure categories and the
// retry policy attached to each category.
package failure

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
)

// Override refines the per-category policy for one marketplace.
type Override struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// OverrideFn resolves a marketplace-specific policy override, if any.
type OverrideFn func(marketplace string, cat domain.FailureCategory) (Override, bool)

// MaintenanceFn reports whether a marketplace is inside a scheduled
// maintenance window at now and when it ends.
type MaintenanceFn func(marketplace string, now time.Time) (time.Time, bool)

// Input is one failed call to categorize.
type Input struct {
	Err         error
	HTTPStatus  int
	Headers     http.Header
	Marketplace string
	Attempt     int
	Now         time.Time
}

// Categorizer applies the rule table. Rules run in order; first match wins.
type Categorizer struct {
	override    OverrideFn
	maintenance MaintenanceFn
}

// New constructs a Categorizer. Both funcs may be nil.
func New(override OverrideFn, maintenance MaintenanceFn) *Categorizer {
	return &Categorizer{override: override, maintenance: maintenance}
}

var (
	reRateLimit  = regexp.MustCompile(`(?i)rate limit|too many requests`)
	reAuth       = regexp.MustCompile(`(?i)unauthorized|invalid token|expired`)
	reServer     = regexp.MustCompile(`(?i)internal server error|bad gateway|unavailable`)
	reNetwork    = regexp.MustCompile(`(?i)timeout|connection reset|connection refused|no such host|broken pipe|eof`)
	reValidation = regexp.MustCompile(`(?i)validation|invalid field|missing required|unprocessable`)
)

// Categorize returns the FailureAnalysis for one failed call.
func (c *Categorizer) Categorize(in Input) domain.FailureAnalysis {
	msg := ""
	if in.Err != nil {
		msg = in.Err.Error()
	}

	switch {
	case c.isRateLimit(in, msg):
		a := c.base(in.Marketplace, domain.FailureRateLimit)
		a.ErrorType = "rate_limited"
		a.Confidence = 0.9
		var rl *domain.RateLimitError
		if errors.As(in.Err, &rl) {
			a.Confidence = 0.95
			if rl.Wait > a.BaseDelay {
				a.BaseDelay = rl.Wait
			}
		}
		if wait := retryAfter(in.Headers); wait > a.BaseDelay {
			a.BaseDelay = wait
		}
		return a

	case c.isAuth(in, msg):
		a := c.base(in.Marketplace, domain.FailureAuth)
		a.ErrorType = "auth_rejected"
		a.Confidence = confidenceFor(msg, reAuth, isTyped[*domain.AuthError](in.Err))
		return a

	case c.isServerError(in, msg):
		a := c.base(in.Marketplace, domain.FailureServerError)
		a.ErrorType = "server_error"
		a.Confidence = confidenceFor(msg, reServer, isTyped[*domain.TransientError](in.Err))
		return a

	case c.isNetwork(in, msg):
		a := c.base(in.Marketplace, domain.FailureNetwork)
		a.ErrorType = "network"
		a.Confidence = confidenceFor(msg, reNetwork, isTyped[*domain.NetworkError](in.Err))
		return a

	case c.isValidation(in, msg):
		a := c.base(in.Marketplace, domain.FailureValidation)
		a.ErrorType = "data_validation"
		a.Confidence = 0.85
		return a

	case in.HTTPStatus >= 400 && in.HTTPStatus < 500:
		a := c.base(in.Marketplace, domain.FailureClientError)
		a.ErrorType = "client_error"
		a.Confidence = 0.7
		return a

	default:
		if c.maintenance != nil {
			if end, down := c.maintenance(in.Marketplace, in.Now); down {
				a := c.base(in.Marketplace, domain.FailureMaintenance)
				a.ErrorType = "maintenance"
				a.Confidence = 0.9
				// Delay straight to the end of the window.
				a.BaseDelay = end.Sub(in.Now)
				a.MaxDelay = a.BaseDelay + time.Minute
				a.BackoffMultiplier = 1
				return a
			}
		}
		a := c.base(in.Marketplace, domain.FailureUnknown)
		a.ErrorType = "unknown"
		a.Confidence = 0.3
		return a
	}
}

func (c *Categorizer) isRateLimit(in Input, msg string) bool {
	if in.HTTPStatus == http.StatusTooManyRequests {
		return true
	}
	if in.Headers != nil && in.Headers.Get("Retry-After") != "" {
		return true
	}
	var rl *domain.RateLimitError
	if errors.As(in.Err, &rl) {
		return true
	}
	return reRateLimit.MatchString(msg)
}

func (c *Categorizer) isAuth(in Input, msg string) bool {
	if in.HTTPStatus == http.StatusUnauthorized || in.HTTPStatus == http.StatusForbidden {
		return true
	}
	var ae *domain.AuthError
	if errors.As(in.Err, &ae) {
		return true
	}
	return reAuth.MatchString(msg)
}

func (c *Categorizer) isServerError(in Input, msg string) bool {
	if in.HTTPStatus >= 500 {
		return true
	}
	var te *domain.TransientError
	if errors.As(in.Err, &te) {
		return true
	}
	return reServer.MatchString(msg)
}

func (c *Categorizer) isNetwork(in Input, msg string) bool {
	if errors.Is(in.Err, context.DeadlineExceeded) {
		return true
	}
	var ne *domain.NetworkError
	if errors.As(in.Err, &ne) {
		return true
	}
	var netErr net.Error
	if errors.As(in.Err, &netErr) {
		return true
	}
	return reNetwork.MatchString(msg)
}

func (c *Categorizer) isValidation(in Input, msg string) bool {
	var ve *domain.ValidationError
	if errors.As(in.Err, &ve) {
		return true
	}
	switch in.HTTPStatus {
	case http.StatusUnprocessableEntity:
		return true
	case http.StatusBadRequest, http.StatusNotFound:
		return reValidation.MatchString(msg)
	}
	return false
}

// base returns the category defaults with any marketplace override applied.
func (c *Categorizer) base(marketplace string, cat domain.FailureCategory) domain.FailureAnalysis {
	a, ok := categoryDefaults[cat]
	if !ok {
		a = categoryDefaults[domain.FailureUnknown]
	}
	a.Category = cat
	if c.override != nil {
		if ov, ok := c.override(marketplace, cat); ok {
			if ov.MaxRetries > 0 {
				a.MaxRetries = ov.MaxRetries
			}
			if ov.BaseDelay > 0 {
				a.BaseDelay = ov.BaseDelay
			}
			if ov.MaxDelay > 0 {
				a.MaxDelay = ov.MaxDelay
			}
			if ov.Multiplier > 0 {
				a.BackoffMultiplier = ov.Multiplier
			}
		}
	}
	return a
}

// categoryDefaults is the policy table per failure category. Rate-limit
// failures never trip the breaker: the rate limiter owns that path.
var categoryDefaults = map[domain.FailureCategory]domain.FailureAnalysis{
	domain.FailureRateLimit: {
		ShouldRetry: true, MaxRetries: 6,
		BaseDelay: 10 * time.Second, MaxDelay: 15 * time.Minute,
		BackoffMultiplier: 2, JitterRange: 0.1,
	},
	domain.FailureAuth: {
		ShouldRetry: true, MaxRetries: 2,
		BaseDelay: 5 * time.Second, MaxDelay: time.Minute,
		BackoffMultiplier: 2, JitterRange: 0.1,
		RequiresUserIntervention: true,
	},
	domain.FailureServerError: {
		ShouldRetry: true, MaxRetries: 4,
		BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute,
		BackoffMultiplier: 2, JitterRange: 0.2,
		CircuitBreakerEnabled: true,
	},
	domain.FailureNetwork: {
		ShouldRetry: true, MaxRetries: 4,
		BaseDelay: 2 * time.Second, MaxDelay: time.Minute,
		BackoffMultiplier: 2, JitterRange: 0.2,
		CircuitBreakerEnabled: true,
	},
	domain.FailureValidation: {
		ShouldRetry: false, RequiresUserIntervention: true,
	},
	domain.FailureClientError: {
		ShouldRetry: false, RequiresUserIntervention: true,
	},
	domain.FailureMaintenance: {
		ShouldRetry: true, MaxRetries: 3,
		BaseDelay: 15 * time.Minute, MaxDelay: 2 * time.Hour,
		BackoffMultiplier: 1, JitterRange: 0,
	},
	domain.FailureUnknown: {
		ShouldRetry: true, MaxRetries: 2,
		BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute,
		BackoffMultiplier: 2, JitterRange: 0.3,
		CircuitBreakerEnabled: true,
	},
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d
	}
	return 0
}

func confidenceFor(msg string, re *regexp.Regexp, typed bool) float64 {
	switch {
	case typed:
		return 0.95
	case re.MatchString(msg):
		return 0.7
	default:
		return 0.9
	}
}

func isTyped[T error](err error) bool {
	var t T
	return errors.As(err, &t)
}
