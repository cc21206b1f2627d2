package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vendaro/crosslist/internal/adapter/marketplace"
	"github.com/vendaro/crosslist/internal/config"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/service/breaker"
	"github.com/vendaro/crosslist/internal/service/dlq"
	"github.com/vendaro/crosslist/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Intents    *usecase.Intents
	Store      domain.Storage
	Letters    *dlq.Service
	Breaker    *breaker.Breaker
	Registry   *marketplace.Registry
	Bus        domain.ProgressBus
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, intents *usecase.Intents, store domain.Storage,
	letters *dlq.Service, brk *breaker.Breaker, registry *marketplace.Registry,
	bus domain.ProgressBus, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Intents:    intents,
		Store:      store,
		Letters:    letters,
		Breaker:    brk,
		Registry:   registry,
		Bus:        bus,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
}

// userID identifies the caller. Authentication happens at the gateway; it
// forwards the verified identity in this header.
func userID(r *http.Request) (string, error) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		return "", fmt.Errorf("%w: missing X-User-Id header", domain.ErrInvalidArgument)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type jobResponse struct {
	ID                 string                     `json:"id"`
	Type               domain.JobType             `json:"type"`
	Status             domain.JobStatus           `json:"status"`
	Priority           int                        `json:"priority"`
	Attempts           int                        `json:"attempts"`
	MaxAttempts        int                        `json:"max_attempts"`
	Progress           int                        `json:"progress"`
	Result             json.RawMessage            `json:"result,omitempty"`
	ErrorMessage       string                     `json:"error_message,omitempty"`
	ScheduledFor       time.Time                  `json:"scheduled_for"`
	MarketplaceGroup   string                     `json:"marketplace_group,omitempty"`
	SchedulingMetadata *domain.SchedulingMetadata `json:"scheduling_metadata,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:                 j.ID,
		Type:               j.Type,
		Status:             j.Status,
		Priority:           j.Priority,
		Attempts:           j.Attempts,
		MaxAttempts:        j.MaxAttempts,
		Progress:           j.Progress,
		Result:             j.Result,
		ErrorMessage:       j.ErrorMessage,
		ScheduledFor:       j.ScheduledFor,
		MarketplaceGroup:   j.MarketplaceGroup,
		SchedulingMetadata: j.SchedulingMetadata,
		CreatedAt:          j.CreatedAt,
	}
}

func toJobResponses(jobs []domain.Job) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return out
}

// PostListingHandler enqueues posting jobs for one listing.
func (s *Server) PostListingHandler() http.HandlerFunc {
	type request struct {
		Marketplaces       []string   `json:"marketplaces"`
		RequestedTime      *time.Time `json:"requested_time"`
		Priority           int        `json:"priority"`
		UseSmartScheduling *bool      `json:"use_smart_scheduling"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		smart := true
		if req.UseSmartScheduling != nil {
			smart = *req.UseSmartScheduling
		}
		jobs, err := s.Intents.CreatePostListingJob(r.Context(), usecase.PostListingRequest{
			UserID:             uid,
			ListingID:          chi.URLParam(r, "listingID"),
			Marketplaces:       req.Marketplaces,
			RequestedTime:      req.RequestedTime,
			Priority:           req.Priority,
			UseSmartScheduling: smart,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"jobs": toJobResponses(jobs)})
	}
}

// DelistListingHandler enqueues a delist job.
func (s *Server) DelistListingHandler() http.HandlerFunc {
	type request struct {
		Marketplaces []string `json:"marketplaces"`
		Reason       string   `json:"reason"`
		Urgent       bool     `json:"urgent"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Intents.CreateDelistListingJob(r.Context(), usecase.DelistListingRequest{
			UserID:       uid,
			ListingID:    chi.URLParam(r, "listingID"),
			Marketplaces: req.Marketplaces,
			Reason:       req.Reason,
			Urgent:       req.Urgent,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job": toJobResponse(job)})
	}
}

// SyncInventoryHandler enqueues a sync-inventory job after an off-platform sale.
func (s *Server) SyncInventoryHandler() http.HandlerFunc {
	type request struct {
		SoldMarketplace string `json:"sold_marketplace"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Intents.CreateSyncInventoryJob(r.Context(), usecase.SyncInventoryRequest{
			UserID:          uid,
			ListingID:       chi.URLParam(r, "listingID"),
			SoldMarketplace: req.SoldMarketplace,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job": toJobResponse(job)})
	}
}

// BatchPostingHandler spreads many posting jobs across a time span.
func (s *Server) BatchPostingHandler() http.HandlerFunc {
	type item struct {
		ListingID    string   `json:"listing_id"`
		Marketplaces []string `json:"marketplaces"`
	}
	type request struct {
		Items               []item     `json:"items"`
		RequestedTime       *time.Time `json:"requested_time"`
		DistributionMinutes int        `json:"distribution_minutes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]usecase.BatchItem, 0, len(req.Items))
		for _, it := range req.Items {
			items = append(items, usecase.BatchItem{ListingID: it.ListingID, Marketplaces: it.Marketplaces})
		}
		jobs, err := s.Intents.CreateBatchPostingJob(r.Context(), usecase.BatchPostingRequest{
			UserID:              uid,
			Items:               items,
			RequestedTime:       req.RequestedTime,
			DistributionMinutes: req.DistributionMinutes,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"jobs": toJobResponses(jobs)})
	}
}

// GetJobHandler returns one of the caller's jobs.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Intents.GetJob(r.Context(), uid, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": toJobResponse(job)})
	}
}

// CancelJobHandler cancels a pending job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Intents.CancelJob(r.Context(), uid, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": toJobResponse(job)})
	}
}

// CancelAutomationJobsHandler cancels all pending jobs for an automation rule.
func (s *Server) CancelAutomationJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := userID(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		n, err := s.Intents.CancelAutomationJobs(r.Context(), chi.URLParam(r, "ruleID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{}
		healthy := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["db"] = err.Error()
				healthy = false
			} else {
				checks["db"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}
