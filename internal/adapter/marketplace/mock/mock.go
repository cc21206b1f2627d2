// Package mock is a scriptable in-memory marketplace client for tests and
// local development. Calls succeed by default; failures are queued per
// operation.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
)

// Client implements domain.MarketplaceClient. Zero value is not usable; use New.
type Client struct {
	name string

	mu        sync.Mutex
	seq       int
	failures  map[string][]error // per-op queue, consumed front to back
	created   []domain.Listing
	updated   []string
	deleted   []string
	refreshes int
}

func New(name string) *Client {
	return &Client{name: name, failures: map[string][]error{}}
}

// FailNext queues errs to be returned by the next calls of op, in order.
// Ops: create, update, delete, test, refresh.
func (c *Client) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

func (c *Client) nextFailure(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.failures[op] = queue[1:]
	return err
}

func (c *Client) CreateListing(_ context.Context, l domain.Listing, _ domain.MarketplaceConnection) (domain.ExternalListing, error) {
	if err := c.nextFailure("create"); err != nil {
		return domain.ExternalListing{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.created = append(c.created, l)
	id := fmt.Sprintf("%s-%d", c.name, c.seq)
	return domain.ExternalListing{
		ExternalID: id,
		URL:        fmt.Sprintf("https://%s.example.com/listings/%s", c.name, id),
	}, nil
}

func (c *Client) UpdateListing(_ context.Context, externalID string, _ map[string]any, _ domain.MarketplaceConnection) error {
	if err := c.nextFailure("update"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = append(c.updated, externalID)
	return nil
}

func (c *Client) DeleteListing(_ context.Context, externalID string, _ domain.MarketplaceConnection) error {
	if err := c.nextFailure("delete"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, externalID)
	return nil
}

func (c *Client) TestConnection(_ context.Context, _ domain.MarketplaceConnection) (bool, error) {
	if err := c.nextFailure("test"); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) AuthURL() string {
	return fmt.Sprintf("https://%s.example.com/oauth/authorize", c.name)
}

func (c *Client) ExchangeToken(_ context.Context, code string) (domain.TokenGrant, error) {
	return domain.TokenGrant{AccessToken: "access-" + code, RefreshToken: "refresh-" + code}, nil
}

func (c *Client) RefreshToken(_ context.Context, refreshToken string) (domain.TokenGrant, error) {
	if err := c.nextFailure("refresh"); err != nil {
		return domain.TokenGrant{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	exp := time.Now().Add(time.Hour)
	return domain.TokenGrant{AccessToken: "refreshed-" + refreshToken, ExpiresAt: &exp}, nil
}

// Created returns listings passed to CreateListing so far.
func (c *Client) Created() []domain.Listing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Listing(nil), c.created...)
}

// Updated returns external IDs passed to UpdateListing so far.
func (c *Client) Updated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updated...)
}

// Deleted returns external IDs passed to DeleteListing so far.
func (c *Client) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

// Refreshes returns how many token refreshes succeeded.
func (c *Client) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}
