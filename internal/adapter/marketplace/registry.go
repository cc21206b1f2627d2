// Package marketplace holds the registry of supported marketplaces: their
// clients, rate limits, optimal posting windows, and resilience thresholds.
package marketplace

import (
	"fmt"
	"sort"
	"time"

	"github.com/vendaro/crosslist/internal/config"
	"github.com/vendaro/crosslist/internal/domain"
)

// RateLimits is the static call budget for one marketplace.
type RateLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// Limit returns the budget for one window kind.
func (r RateLimits) Limit(k domain.WindowKind) int {
	switch k {
	case domain.WindowMinute:
		return r.PerMinute
	case domain.WindowHour:
		return r.PerHour
	case domain.WindowDay:
		return r.PerDay
	default:
		return 0
	}
}

// RetryOverride refines per-category retry delays for one marketplace.
type RetryOverride struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// MaintenanceWindow is a scheduled downtime interval announced by the
// marketplace.
type MaintenanceWindow struct {
	Start time.Time
	End   time.Time
}

// Info is everything the core knows about one marketplace.
type Info struct {
	Name              string
	Client            domain.MarketplaceClient
	RateLimits        RateLimits
	OptimalWindows    []domain.OptimalWindow
	CircuitThresholds domain.CircuitThresholds
	RetryOverrides    map[domain.FailureCategory]RetryOverride
	CallTimeout       time.Duration
	Maintenance       []MaintenanceWindow
}

// Registry maps marketplace name to Info. It is read-only after boot; lookup
// is the single source of truth for supported marketplaces.
type Registry struct {
	infos map[string]Info
}

// NewRegistry builds the registry from built-in defaults, the overrides
// file, and the provided clients. Marketplaces without a client entry are
// still registered; processors fail per-marketplace when the client is nil.
func NewRegistry(overrides config.Overrides, clients map[string]domain.MarketplaceClient) *Registry {
	infos := make(map[string]Info, len(defaults))
	for name, def := range defaults {
		info := def
		info.Name = name
		if c, ok := clients[name]; ok {
			info.Client = c
		}
		if ov, ok := overrides[name]; ok {
			applyOverride(&info, ov)
		}
		infos[name] = info
	}
	return &Registry{infos: infos}
}

func applyOverride(info *Info, ov config.MarketplaceOverride) {
	if ov.RateLimits.PerMinute > 0 {
		info.RateLimits.PerMinute = ov.RateLimits.PerMinute
	}
	if ov.RateLimits.PerHour > 0 {
		info.RateLimits.PerHour = ov.RateLimits.PerHour
	}
	if ov.RateLimits.PerDay > 0 {
		info.RateLimits.PerDay = ov.RateLimits.PerDay
	}
	if len(ov.OptimalWindows) > 0 {
		info.OptimalWindows = ov.OptimalWindows
	}
	if ov.CircuitBreaker.FailureThreshold > 0 {
		info.CircuitThresholds.Failure = ov.CircuitBreaker.FailureThreshold
	}
	if ov.CircuitBreaker.RecoveryThreshold > 0 {
		info.CircuitThresholds.Recovery = ov.CircuitBreaker.RecoveryThreshold
	}
	if ov.CircuitBreaker.Timeout.Std() > 0 {
		info.CircuitThresholds.Timeout = ov.CircuitBreaker.Timeout.Std()
	}
	if ov.CircuitBreaker.HalfOpenMax > 0 {
		info.CircuitThresholds.HalfOpenMax = ov.CircuitBreaker.HalfOpenMax
	}
	if ov.Retry.MaxRetries > 0 || ov.Retry.BaseDelay.Std() > 0 {
		if info.RetryOverrides == nil {
			info.RetryOverrides = map[domain.FailureCategory]RetryOverride{}
		}
		// A flat retry override in the file applies to the transient
		// categories; permanent categories never retry.
		for _, cat := range []domain.FailureCategory{domain.FailureNetwork, domain.FailureServerError, domain.FailureTemporary} {
			o := info.RetryOverrides[cat]
			if ov.Retry.MaxRetries > 0 {
				o.MaxRetries = ov.Retry.MaxRetries
			}
			if ov.Retry.BaseDelay.Std() > 0 {
				o.BaseDelay = ov.Retry.BaseDelay.Std()
			}
			if ov.Retry.MaxDelay.Std() > 0 {
				o.MaxDelay = ov.Retry.MaxDelay.Std()
			}
			if ov.Retry.Multiplier > 0 {
				o.Multiplier = ov.Retry.Multiplier
			}
			info.RetryOverrides[cat] = o
		}
	}
	if ov.CallTimeout.Std() > 0 {
		info.CallTimeout = ov.CallTimeout.Std()
	}
	for _, m := range ov.Maintenance {
		info.Maintenance = append(info.Maintenance, MaintenanceWindow{Start: m.Start, End: m.End})
	}
}

// Get returns the Info for name. Unknown names are a configuration error.
func (r *Registry) Get(name string) (Info, error) {
	info, ok := r.infos[name]
	if !ok {
		return Info{}, fmt.Errorf("op=registry.Get: %w: unknown marketplace %q", domain.ErrConfiguration, name)
	}
	return info, nil
}

// Names returns the supported marketplace names in ASCII order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.infos))
	for name := range r.infos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RetryOverrideFor resolves the per-category retry override for name.
func (r *Registry) RetryOverrideFor(name string, cat domain.FailureCategory) (RetryOverride, bool) {
	info, ok := r.infos[name]
	if !ok || info.RetryOverrides == nil {
		return RetryOverride{}, false
	}
	ov, ok := info.RetryOverrides[cat]
	return ov, ok
}

// InMaintenance reports whether name is inside a scheduled maintenance
// window at now, and when that window ends.
func (r *Registry) InMaintenance(name string, now time.Time) (time.Time, bool) {
	info, ok := r.infos[name]
	if !ok {
		return time.Time{}, false
	}
	for _, m := range info.Maintenance {
		if !now.Before(m.Start) && now.Before(m.End) {
			return m.End, true
		}
	}
	return time.Time{}, false
}
