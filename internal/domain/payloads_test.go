package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/domain"
)

func TestEncodePayloadRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := domain.EncodePayload(domain.JobType("mystery"), domain.PostListingPayload{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEncodePayloadRejectsMismatch(t *testing.T) {
	t.Parallel()
	_, err := domain.EncodePayload(domain.JobTypePostListing, domain.SyncInventoryPayload{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	raw, err := domain.EncodePayload(domain.JobTypePostListing, domain.PostListingPayload{
		ListingID:    "l-1",
		Marketplaces: []string{"ebay", "poshmark"},
	})
	require.NoError(t, err)

	p, err := domain.DecodePayload(domain.JobTypePostListing, raw)
	require.NoError(t, err)
	got, ok := p.(domain.PostListingPayload)
	require.True(t, ok)
	assert.Equal(t, "l-1", got.ListingID)
	assert.Equal(t, []string{"ebay", "poshmark"}, got.Marketplaces)
}

func TestJobMarketplaces(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		typ  domain.JobType
		p    any
		want []string
	}{
		{"post multi", domain.JobTypePostListing, domain.PostListingPayload{ListingID: "l", Marketplaces: []string{"ebay", "mercari"}}, []string{"ebay", "mercari"}},
		{"sync makes no outbound calls", domain.JobTypeSyncInventory, domain.SyncInventoryPayload{ListingID: "l", SoldMarketplace: "ebay"}, nil},
		{"automation", domain.JobTypeAutomationExecute, domain.AutomationPayload{RuleID: "r", Marketplace: "poshmark", Action: "share"}, []string{"poshmark"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			raw, err := domain.EncodePayload(tc.typ, tc.p)
			require.NoError(t, err)
			j := domain.Job{Type: tc.typ, Data: raw}
			assert.Equal(t, tc.want, j.Marketplaces())
		})
	}
}

func TestScores(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 100, domain.EngagementScoreOf(1000, 100, 100), 0.001)
	assert.InDelta(t, 13.0, domain.EngagementScoreOf(100, 1, 0), 0.001)
	assert.InDelta(t, 70+0.3*13.0, domain.SuccessScoreOf(true, 13.0), 0.001)
	assert.InDelta(t, 30+0.3*13.0, domain.SuccessScoreOf(false, 13.0), 0.001)
}

func TestFailureCategoryRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.FailureNetwork.Retryable())
	assert.True(t, domain.FailureRateLimit.Retryable())
	assert.True(t, domain.FailureUnknown.Retryable())
	assert.False(t, domain.FailureValidation.Retryable())
	assert.False(t, domain.FailurePermanent.Retryable())
	assert.False(t, domain.FailureClientError.Retryable())
}
