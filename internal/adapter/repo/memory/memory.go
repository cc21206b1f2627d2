// Package memory is an in-process implementation of the storage ports. It
// backs tests and local single-process runs; Postgres is the production
// adapter.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
)

// Store implements domain.Storage with maps behind one mutex.
type Store struct {
	mu sync.Mutex

	jobs        map[string]domain.Job
	listings    map[string]domain.Listing
	posts       map[string]domain.ListingPost // keyed listingID|marketplace
	connections map[string]domain.MarketplaceConnection
	history     []domain.JobRetryHistory
	circuits    map[string]domain.CircuitBreakerStatus
	windows     map[string]domain.RateLimitWindow // keyed marketplace|kind
	letters     map[string]domain.DeadLetterEntry
	rules       map[string]domain.MarketplacePostingRule
	analytics   []domain.PostingSuccessAnalytics
	audits      []domain.AuditLog
}

var _ domain.Storage = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:        map[string]domain.Job{},
		listings:    map[string]domain.Listing{},
		posts:       map[string]domain.ListingPost{},
		connections: map[string]domain.MarketplaceConnection{},
		circuits:    map[string]domain.CircuitBreakerStatus{},
		windows:     map[string]domain.RateLimitWindow{},
		letters:     map[string]domain.DeadLetterEntry{},
		rules:       map[string]domain.MarketplacePostingRule{},
	}
}

// Jobs

func (s *Store) CreateJob(_ context.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("op=memory.create_job: job %s: %w", j.ID, domain.ErrConflict)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=memory.get_job: job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (s *Store) UpdateJob(_ context.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("op=memory.update_job: job %s: %w", j.ID, domain.ErrNotFound)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) ClaimJob(_ context.Context, id string, now time.Time) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false, fmt.Errorf("op=memory.claim_job: job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status != domain.JobPending {
		return domain.Job{}, false, nil
	}
	j.Status = domain.JobProcessing
	j.StartedAt = &now
	j.Attempts++
	j.UpdatedAt = now
	s.jobs[id] = j
	return j, true, nil
}

func (s *Store) ListDueJobs(_ context.Context, now time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobPending && !j.ScheduledFor.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].ScheduledFor.Before(due[k].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ListJobsByStatus(_ context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Listings

func (s *Store) CreateListing(_ context.Context, l domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; ok {
		return fmt.Errorf("op=memory.create_listing: listing %s: %w", l.ID, domain.ErrConflict)
	}
	s.listings[l.ID] = l
	return nil
}

func (s *Store) GetListing(_ context.Context, id string) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return domain.Listing{}, fmt.Errorf("op=memory.get_listing: listing %s: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

func (s *Store) UpdateListingStatus(_ context.Context, id string, status domain.ListingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("op=memory.update_listing: listing %s: %w", id, domain.ErrNotFound)
	}
	l.Status = status
	s.listings[id] = l
	return nil
}

// Listing posts

func postKey(listingID, marketplace string) string { return listingID + "|" + marketplace }

func (s *Store) CreateListingPost(_ context.Context, p domain.ListingPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := postKey(p.ListingID, p.Marketplace)
	if _, ok := s.posts[key]; ok {
		return fmt.Errorf("op=memory.create_post: post %s: %w", key, domain.ErrConflict)
	}
	s.posts[key] = p
	return nil
}

func (s *Store) GetListingPost(_ context.Context, listingID, marketplace string) (domain.ListingPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postKey(listingID, marketplace)]
	if !ok {
		return domain.ListingPost{}, fmt.Errorf("op=memory.get_post: post %s/%s: %w",
			listingID, marketplace, domain.ErrNotFound)
	}
	return p, nil
}

func (s *Store) UpdateListingPost(_ context.Context, p domain.ListingPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := postKey(p.ListingID, p.Marketplace)
	if _, ok := s.posts[key]; !ok {
		return fmt.Errorf("op=memory.update_post: post %s: %w", key, domain.ErrNotFound)
	}
	s.posts[key] = p
	return nil
}

func (s *Store) ListListingPosts(_ context.Context, listingID string) ([]domain.ListingPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ListingPost
	for _, p := range s.posts {
		if p.ListingID == listingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Marketplace < out[k].Marketplace })
	return out, nil
}

// Connections

func connKey(userID, marketplace string) string { return userID + "|" + marketplace }

func (s *Store) PutConnection(c domain.MarketplaceConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[connKey(c.UserID, c.Marketplace)] = c
}

func (s *Store) GetConnection(_ context.Context, userID, marketplace string) (domain.MarketplaceConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connKey(userID, marketplace)]
	if !ok {
		return domain.MarketplaceConnection{}, fmt.Errorf("op=memory.get_connection: %s/%s: %w",
			userID, marketplace, domain.ErrNotFound)
	}
	return c, nil
}

func (s *Store) UpdateConnection(_ context.Context, c domain.MarketplaceConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connKey(c.UserID, c.Marketplace)
	if _, ok := s.connections[key]; !ok {
		return fmt.Errorf("op=memory.update_connection: %s: %w", key, domain.ErrNotFound)
	}
	s.connections[key] = c
	return nil
}

// Retry history

func (s *Store) CreateRetryHistory(_ context.Context, h domain.JobRetryHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *Store) ListRetryHistory(_ context.Context, jobID string) ([]domain.JobRetryHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRetryHistory
	for _, h := range s.history {
		if h.JobID == jobID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) RecentRetryStats(_ context.Context, marketplace string, since time.Time) (domain.RetryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.RetryStats
	for _, h := range s.history {
		if h.Marketplace != marketplace || h.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		if h.Outcome == domain.RetryOutcomeSuccess {
			stats.Succeeded++
		}
	}
	return stats, nil
}

// Circuit state

func (s *Store) SaveCircuitStatus(_ context.Context, st domain.CircuitBreakerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuits[st.Marketplace] = st
	return nil
}

func (s *Store) GetCircuitStatus(_ context.Context, marketplace string) (domain.CircuitBreakerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.circuits[marketplace]
	if !ok {
		return domain.CircuitBreakerStatus{}, fmt.Errorf("op=memory.get_circuit: %s: %w",
			marketplace, domain.ErrNotFound)
	}
	return st, nil
}

func (s *Store) ListCircuitStatuses(_ context.Context) ([]domain.CircuitBreakerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CircuitBreakerStatus, 0, len(s.circuits))
	for _, st := range s.circuits {
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Marketplace < out[k].Marketplace })
	return out, nil
}

// Rate limit windows

func (s *Store) SaveRateLimitWindow(_ context.Context, w domain.RateLimitWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.Marketplace+"|"+string(w.Kind)] = w
	return nil
}

func (s *Store) ListRateLimitWindows(_ context.Context, marketplace string) ([]domain.RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RateLimitWindow
	for _, w := range s.windows {
		if w.Marketplace == marketplace {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Kind < out[k].Kind })
	return out, nil
}

// Dead letters

func (s *Store) CreateDeadLetter(_ context.Context, e domain.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[e.ID]; ok {
		return fmt.Errorf("op=memory.create_dead_letter: entry %s: %w", e.ID, domain.ErrConflict)
	}
	s.letters[e.ID] = e
	return nil
}

func (s *Store) GetDeadLetter(_ context.Context, id string) (domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.letters[id]
	if !ok {
		return domain.DeadLetterEntry{}, fmt.Errorf("op=memory.get_dead_letter: entry %s: %w",
			id, domain.ErrNotFound)
	}
	return e, nil
}

func (s *Store) UpdateDeadLetter(_ context.Context, e domain.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[e.ID]; !ok {
		return fmt.Errorf("op=memory.update_dead_letter: entry %s: %w", e.ID, domain.ErrNotFound)
	}
	s.letters[e.ID] = e
	return nil
}

func (s *Store) ListDeadLettersByUser(_ context.Context, userID string, limit int) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeadLetterEntry
	for _, e := range s.letters {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Posting rules

func (s *Store) GetPostingRule(_ context.Context, marketplace string) (domain.MarketplacePostingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[marketplace]
	if !ok {
		return domain.MarketplacePostingRule{}, fmt.Errorf("op=memory.get_rule: %s: %w",
			marketplace, domain.ErrNotFound)
	}
	return r, nil
}

func (s *Store) UpsertPostingRule(_ context.Context, r domain.MarketplacePostingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.Marketplace] = r
	return nil
}

// Analytics

func (s *Store) CreateAnalytics(_ context.Context, a domain.PostingSuccessAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analytics = append(s.analytics, a)
	return nil
}

func (s *Store) ListAnalytics(_ context.Context, userID, marketplace string, limit int) ([]domain.PostingSuccessAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PostingSuccessAnalytics
	for _, a := range s.analytics {
		if a.UserID == userID && a.Marketplace == marketplace {
			out = append(out, a)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Audit

func (s *Store) CreateAuditLog(_ context.Context, a domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, a)
	return nil
}

// AuditLogs exposes recorded entries for tests and diagnostics.
func (s *Store) AuditLogs() []domain.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditLog(nil), s.audits...)
}
