package failure_test

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/service/failure"
)

func TestCategorizeRateLimit(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)

	tests := []struct {
		name string
		in   failure.Input
	}{
		{"status 429", failure.Input{HTTPStatus: http.StatusTooManyRequests, Marketplace: "ebay"}},
		{"retry-after header", failure.Input{Headers: http.Header{"Retry-After": []string{"30"}}, Marketplace: "ebay"}},
		{"message match", failure.Input{Err: errors.New("Too Many Requests from upstream"), Marketplace: "ebay"}},
		{"typed error", failure.Input{Err: &domain.RateLimitError{Marketplace: "ebay", Wait: 20 * time.Second}, Marketplace: "ebay"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := c.Categorize(tc.in)
			assert.Equal(t, domain.FailureRateLimit, a.Category)
			assert.True(t, a.ShouldRetry)
			assert.Equal(t, 6, a.MaxRetries)
			assert.GreaterOrEqual(t, a.BaseDelay, 10*time.Second)
			assert.False(t, a.CircuitBreakerEnabled, "rate limits are handled by the limiter, not the breaker")
		})
	}
}

func TestCategorizeRateLimitTypedWaitWins(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)
	a := c.Categorize(failure.Input{
		Err:         &domain.RateLimitError{Marketplace: "ebay", Wait: 45 * time.Second},
		Marketplace: "ebay",
	})
	assert.Equal(t, 45*time.Second, a.BaseDelay)
}

func TestCategorizeAuth(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)

	a := c.Categorize(failure.Input{HTTPStatus: http.StatusUnauthorized, Marketplace: "poshmark"})
	assert.Equal(t, domain.FailureAuth, a.Category)
	assert.True(t, a.ShouldRetry)
	assert.Equal(t, 2, a.MaxRetries)
	assert.True(t, a.RequiresUserIntervention)
	assert.False(t, a.CircuitBreakerEnabled)

	a = c.Categorize(failure.Input{Err: errors.New("invalid token supplied"), Marketplace: "poshmark"})
	assert.Equal(t, domain.FailureAuth, a.Category)
}

func TestCategorizeServerError(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)

	a := c.Categorize(failure.Input{HTTPStatus: http.StatusBadGateway, Marketplace: "mercari"})
	assert.Equal(t, domain.FailureServerError, a.Category)
	assert.True(t, a.ShouldRetry)
	assert.True(t, a.CircuitBreakerEnabled)

	a = c.Categorize(failure.Input{Err: &domain.TransientError{Marketplace: "mercari", StatusCode: 503, Reason: "flaky"}})
	assert.Equal(t, domain.FailureServerError, a.Category)
	assert.InDelta(t, 0.95, a.Confidence, 0.001)
}

func TestCategorizeNetwork(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)

	a := c.Categorize(failure.Input{Err: &domain.NetworkError{Marketplace: "depop", Cause: errors.New("dial tcp: i/o timeout")}})
	assert.Equal(t, domain.FailureNetwork, a.Category)
	assert.Equal(t, 2*time.Second, a.BaseDelay)
	assert.True(t, a.CircuitBreakerEnabled)

	a = c.Categorize(failure.Input{Err: errors.New("connection reset by peer")})
	assert.Equal(t, domain.FailureNetwork, a.Category)
}

func TestCategorizeValidation(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)

	a := c.Categorize(failure.Input{HTTPStatus: http.StatusUnprocessableEntity, Marketplace: "grailed"})
	assert.Equal(t, domain.FailureValidation, a.Category)
	assert.False(t, a.ShouldRetry)
	assert.True(t, a.RequiresUserIntervention)

	a = c.Categorize(failure.Input{Err: &domain.ValidationError{Marketplace: "grailed", Reason: "title too long"}})
	assert.Equal(t, domain.FailureValidation, a.Category)
}

func TestCategorizePlain404IsClientError(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)
	a := c.Categorize(failure.Input{HTTPStatus: http.StatusNotFound, Err: errors.New("listing gone")})
	assert.Equal(t, domain.FailureClientError, a.Category)
	assert.False(t, a.ShouldRetry)
}

func TestCategorizeMaintenance(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)
	end := now.Add(45 * time.Minute)
	maint := func(m string, at time.Time) (time.Time, bool) {
		if m == "vinted" && at.Before(end) {
			return end, true
		}
		return time.Time{}, false
	}
	c := failure.New(nil, maint)

	a := c.Categorize(failure.Input{Err: errors.New("weird failure"), Marketplace: "vinted", Now: now})
	assert.Equal(t, domain.FailureMaintenance, a.Category)
	assert.True(t, a.ShouldRetry)
	assert.Equal(t, 45*time.Minute, a.BaseDelay)
}

func TestCategorizeUnknown(t *testing.T) {
	t.Parallel()
	c := failure.New(nil, nil)
	a := c.Categorize(failure.Input{Err: errors.New("gremlins"), Marketplace: "ebay"})
	assert.Equal(t, domain.FailureUnknown, a.Category)
	assert.True(t, a.ShouldRetry)
	assert.LessOrEqual(t, a.Confidence, 0.3)
	assert.True(t, a.CircuitBreakerEnabled)
}

func TestCategorizeMarketplaceOverride(t *testing.T) {
	t.Parallel()
	ov := func(m string, cat domain.FailureCategory) (failure.Override, bool) {
		if m == "poshmark" && cat == domain.FailureServerError {
			return failure.Override{MaxRetries: 8, BaseDelay: time.Second}, true
		}
		return failure.Override{}, false
	}
	c := failure.New(ov, nil)

	a := c.Categorize(failure.Input{HTTPStatus: 500, Marketplace: "poshmark"})
	assert.Equal(t, 8, a.MaxRetries)
	assert.Equal(t, time.Second, a.BaseDelay)

	a = c.Categorize(failure.Input{HTTPStatus: 500, Marketplace: "ebay"})
	assert.Equal(t, 4, a.MaxRetries, "other marketplaces keep defaults")
}
