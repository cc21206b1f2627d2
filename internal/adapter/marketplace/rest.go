package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vendaro/crosslist/internal/domain"
)

const (
	defaultRESTTimeout = 30 * time.Second
	maxErrorBody       = 2 << 10
)

// RESTClient talks to a marketplace integration gateway over HTTP and maps
// its responses onto the domain's typed errors. One instance serves one
// marketplace.
type RESTClient struct {
	name    string
	baseURL string
	httpc   *http.Client
}

// NewRESTClient builds a client for one marketplace gateway. timeout bounds
// each HTTP call; zero means the default.
func NewRESTClient(name, baseURL string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}
	return &RESTClient{
		name:    name,
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

var _ domain.MarketplaceClient = (*RESTClient)(nil)

type restListing struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Images      []string `json:"images,omitempty"`
	Category    string   `json:"category,omitempty"`
}

type restListingResponse struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

func (c *RESTClient) CreateListing(ctx context.Context, l domain.Listing, conn domain.MarketplaceConnection) (domain.ExternalListing, error) {
	body := restListing{
		Title:       l.Title,
		Description: l.Description,
		Price:       l.Price,
		Images:      l.Images,
		Category:    l.Category,
	}
	var out restListingResponse
	// Creates are not idempotent; a single attempt, the retry engine owns
	// repeats.
	if err := c.do(ctx, http.MethodPost, "/listings", conn.AccessToken, body, &out, false); err != nil {
		return domain.ExternalListing{}, err
	}
	return domain.ExternalListing{ExternalID: out.ExternalID, URL: out.URL}, nil
}

func (c *RESTClient) UpdateListing(ctx context.Context, externalID string, fields map[string]any, conn domain.MarketplaceConnection) error {
	return c.do(ctx, http.MethodPatch, "/listings/"+url.PathEscape(externalID), conn.AccessToken, fields, nil, false)
}

func (c *RESTClient) DeleteListing(ctx context.Context, externalID string, conn domain.MarketplaceConnection) error {
	return c.do(ctx, http.MethodDelete, "/listings/"+url.PathEscape(externalID), conn.AccessToken, nil, nil, true)
}

func (c *RESTClient) TestConnection(ctx context.Context, conn domain.MarketplaceConnection) (bool, error) {
	if err := c.do(ctx, http.MethodGet, "/me", conn.AccessToken, nil, nil, true); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RESTClient) AuthURL() string {
	return c.baseURL + "/oauth/authorize"
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (c *RESTClient) ExchangeToken(ctx context.Context, code string) (domain.TokenGrant, error) {
	return c.token(ctx, map[string]any{"grant_type": "authorization_code", "code": code})
}

func (c *RESTClient) RefreshToken(ctx context.Context, refreshToken string) (domain.TokenGrant, error) {
	return c.token(ctx, map[string]any{"grant_type": "refresh_token", "refresh_token": refreshToken})
}

func (c *RESTClient) token(ctx context.Context, body map[string]any) (domain.TokenGrant, error) {
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, "/oauth/token", "", body, &out, false); err != nil {
		return domain.TokenGrant{}, err
	}
	grant := domain.TokenGrant{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if out.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
		grant.ExpiresAt = &exp
	}
	return grant, nil
}

// do performs one HTTP call. Idempotent calls ride a short exponential
// backoff over transport faults only; HTTP status errors are never retried
// here because the categorizer and retry engine own that policy.
func (c *RESTClient) do(ctx context.Context, method, path, token string, in, out any, idempotent bool) error {
	call := func() error {
		return c.once(ctx, method, path, token, in, out)
	}
	if !idempotent {
		return call()
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(func() error {
		err := call()
		if err == nil {
			return nil
		}
		var netErr *domain.NetworkError
		if errors.As(err, &netErr) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, bo)
}

func (c *RESTClient) once(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("op=marketplace.rest: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("op=marketplace.rest: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &domain.NetworkError{Marketplace: c.name, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("op=marketplace.rest: decode response: %w", err)
		}
		return nil
	}
	return c.statusError(resp)
}

// statusError translates a non-2xx response into a typed domain error.
func (c *RESTClient) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := string(bytes.TrimSpace(snippet))
	if reason == "" {
		reason = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitError{
			Marketplace: c.name,
			Wait:        retryAfter(resp.Header),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthError{Marketplace: c.name, Reason: reason}
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return &domain.ValidationError{Marketplace: c.name, Reason: reason}
	case resp.StatusCode >= 500:
		return &domain.TransientError{Marketplace: c.name, StatusCode: resp.StatusCode, Reason: reason}
	default:
		return &domain.TransientError{Marketplace: c.name, StatusCode: resp.StatusCode, Reason: reason}
	}
}

func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
