package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vendaro/crosslist/internal/domain"
)

type deadLetterResponse struct {
	ID                   string                 `json:"id"`
	OriginalJobID        string                 `json:"original_job_id"`
	JobType              domain.JobType         `json:"job_type"`
	FailureCategory      domain.FailureCategory `json:"failure_category"`
	TotalAttempts        int                    `json:"total_attempts"`
	LastError            string                 `json:"last_error"`
	RequiresManualReview bool                   `json:"requires_manual_review"`
	ResolutionStatus     domain.DLQResolution   `json:"resolution_status"`
	CreatedAt            time.Time              `json:"created_at"`
}

func toDeadLetterResponse(e domain.DeadLetterEntry) deadLetterResponse {
	return deadLetterResponse{
		ID:                   e.ID,
		OriginalJobID:        e.OriginalJobID,
		JobType:              e.JobType,
		FailureCategory:      e.FinalFailureCategory,
		TotalAttempts:        e.TotalAttempts,
		LastError:            e.LastError,
		RequiresManualReview: e.RequiresManualReview,
		ResolutionStatus:     e.ResolutionStatus,
		CreatedAt:            e.CreatedAt,
	}
}

// ListDeadLettersHandler lists the caller's dead-letter entries, newest first.
func (s *Server) ListDeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		entries, err := s.Letters.ListByUser(r.Context(), uid, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]deadLetterResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, toDeadLetterResponse(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

// ResolveDeadLetterHandler marks a pending entry resolved.
func (s *Server) ResolveDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := s.Letters.Resolve(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry": toDeadLetterResponse(entry)})
	}
}

// DiscardDeadLetterHandler marks a pending entry discarded.
func (s *Server) DiscardDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := s.Letters.Discard(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry": toDeadLetterResponse(entry)})
	}
}

// ReplayDeadLetterHandler requeues a pending entry as a fresh job.
func (s *Server) ReplayDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Letters.Replay(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job": toJobResponse(job)})
	}
}
