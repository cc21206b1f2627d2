package marketplace_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/adapter/marketplace"
	"github.com/vendaro/crosslist/internal/domain"
)

func TestRESTCreateListing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/listings", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"external_id":"ext-1","url":"https://x/ext-1"}`))
	}))
	defer srv.Close()

	c := marketplace.NewRESTClient("ebay", srv.URL, time.Second)
	ext, err := c.CreateListing(context.Background(), domain.Listing{Title: "jacket", Price: 40}, domain.MarketplaceConnection{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", ext.ExternalID)
	assert.Equal(t, "https://x/ext-1", ext.URL)
}

func TestRESTStatusErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		header http.Header
		check  func(t *testing.T, err error)
	}{
		{
			name:   "429 maps to rate limit with retry-after",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"30"}},
			check: func(t *testing.T, err error) {
				var rl *domain.RateLimitError
				require.ErrorAs(t, err, &rl)
				assert.Equal(t, "ebay", rl.Marketplace)
				assert.Equal(t, 30*time.Second, rl.Wait)
			},
		},
		{
			name:   "401 maps to auth error",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var ae *domain.AuthError
				require.ErrorAs(t, err, &ae)
			},
		},
		{
			name:   "422 maps to validation error",
			status: http.StatusUnprocessableEntity,
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
			},
		},
		{
			name:   "503 maps to transient error",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var te *domain.TransientError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, vs := range tc.header {
					for _, v := range vs {
						w.Header().Set(k, v)
					}
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := marketplace.NewRESTClient("ebay", srv.URL, time.Second)
			_, err := c.CreateListing(context.Background(), domain.Listing{}, domain.MarketplaceConnection{})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestRESTIdempotentRetryOnTransport(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Kill the first connection mid-flight.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := marketplace.NewRESTClient("ebay", srv.URL, time.Second)
	err := c.DeleteListing(context.Background(), "ext-1", domain.MarketplaceConnection{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRESTNonIdempotentNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := marketplace.NewRESTClient("ebay", srv.URL, time.Second)
	_, err := c.CreateListing(context.Background(), domain.Listing{}, domain.MarketplaceConnection{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRESTRefreshToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-at","refresh_token":"new-rt","expires_in":3600}`))
	}))
	defer srv.Close()

	c := marketplace.NewRESTClient("ebay", srv.URL, time.Second)
	grant, err := c.RefreshToken(context.Background(), "old-rt")
	require.NoError(t, err)
	assert.Equal(t, "new-at", grant.AccessToken)
	assert.Equal(t, "new-rt", grant.RefreshToken)
	require.NotNil(t, grant.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *grant.ExpiresAt, time.Minute)
}
