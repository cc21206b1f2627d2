package httpserver

import (
	"net/http"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
)

type marketplaceStatus struct {
	Name           string                      `json:"name"`
	Circuit        domain.CircuitBreakerStatus `json:"circuit"`
	RateLimits     map[string]int              `json:"rate_limits"`
	Windows        []domain.RateLimitWindow    `json:"windows,omitempty"`
	OptimalWindows []domain.OptimalWindow      `json:"optimal_windows"`
	InMaintenance  bool                        `json:"in_maintenance"`
	MaintenanceEnd *time.Time                  `json:"maintenance_end,omitempty"`
}

// MarketplaceStatusHandler reports each marketplace's breaker state, rate
// limit budget and usage, and posting windows.
func (s *Server) MarketplaceStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		out := make([]marketplaceStatus, 0)
		for _, name := range s.Registry.Names() {
			info, err := s.Registry.Get(name)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			st := marketplaceStatus{
				Name:    name,
				Circuit: s.Breaker.Status(name),
				RateLimits: map[string]int{
					"per_minute": info.RateLimits.PerMinute,
					"per_hour":   info.RateLimits.PerHour,
					"per_day":    info.RateLimits.PerDay,
				},
				OptimalWindows: info.OptimalWindows,
			}
			if windows, err := s.Store.ListRateLimitWindows(r.Context(), name); err == nil {
				st.Windows = windows
			}
			if end, in := s.Registry.InMaintenance(name, now); in {
				st.InMaintenance = true
				st.MaintenanceEnd = &end
			}
			out = append(out, st)
		}
		writeJSON(w, http.StatusOK, map[string]any{"marketplaces": out})
	}
}
