package marketplace

import (
	"time"

	"github.com/vendaro/crosslist/internal/domain"
)

// defaultThresholds is the breaker baseline: open after 5 consecutive
// failures, probe after 60s, close after 3 half-open successes with at most
// 3 probes in flight.
var defaultThresholds = domain.CircuitThresholds{
	Failure:     5,
	Recovery:    3,
	Timeout:     60 * time.Second,
	HalfOpenMax: 3,
}

func eveningWindows(tz string, score float64) []domain.OptimalWindow {
	// Weekday evenings plus weekend mornings; per-marketplace defaults below
	// adjust scores where engagement data differs.
	out := make([]domain.OptimalWindow, 0, 9)
	for day := 1; day <= 5; day++ {
		out = append(out, domain.OptimalWindow{DayOfWeek: day, StartHour: 18, EndHour: 22, Timezone: tz, Score: score})
	}
	out = append(out,
		domain.OptimalWindow{DayOfWeek: 6, StartHour: 9, EndHour: 12, Timezone: tz, Score: score + 5},
		domain.OptimalWindow{DayOfWeek: 6, StartHour: 18, EndHour: 22, Timezone: tz, Score: score},
		domain.OptimalWindow{DayOfWeek: 0, StartHour: 9, EndHour: 12, Timezone: tz, Score: score + 8},
		domain.OptimalWindow{DayOfWeek: 0, StartHour: 18, EndHour: 22, Timezone: tz, Score: score + 3},
	)
	return out
}

// defaults enumerates every supported marketplace. Unknown names never
// resolve; adding a marketplace means adding a row here.
var defaults = map[string]Info{
	"ebay": {
		RateLimits:        RateLimits{PerMinute: 20, PerHour: 500, PerDay: 5000},
		OptimalWindows:    eveningWindows("America/New_York", 75),
		CircuitThresholds: defaultThresholds,
		CallTimeout:       30 * time.Second,
	},
	"poshmark": {
		RateLimits:        RateLimits{PerMinute: 10, PerHour: 200, PerDay: 2000},
		OptimalWindows:    eveningWindows("America/New_York", 78),
		CircuitThresholds: defaultThresholds,
		CallTimeout:       30 * time.Second,
	},
	"mercari": {
		RateLimits:        RateLimits{PerMinute: 15, PerHour: 300, PerDay: 3000},
		OptimalWindows:    eveningWindows("America/Los_Angeles", 72),
		CircuitThresholds: defaultThresholds,
		CallTimeout:       30 * time.Second,
	},
	"depop": {
		RateLimits:        RateLimits{PerMinute: 10, PerHour: 150, PerDay: 1500},
		OptimalWindows:    eveningWindows("Europe/London", 70),
		CircuitThresholds: defaultThresholds,
		CallTimeout:       30 * time.Second,
	},
	"grailed": {
		RateLimits:        RateLimits{PerMinute: 8, PerHour: 120, PerDay: 1000},
		OptimalWindows:    eveningWindows("America/New_York", 68),
		CircuitThresholds: defaultThresholds,
		CallTimeout:       30 * time.Second,
	},
	"facebook": {
		RateLimits:        RateLimits{PerMinute: 12, PerHour: 250, PerDay: 2500},
		OptimalWindows:    eveningWindows("America/Chicago", 65),
		CircuitThresholds: defaultThresholds,
		CallTimeout:       30 * time.Second,
	},
	"vinted": {
		RateLimits:        RateLimits{PerMinute: 10, PerHour: 180, PerDay: 1800},
		OptimalWindows:    eveningWindows("Europe/Paris", 69),
		CircuitThresholds: defaultThresholds,
		CallTimeout:       30 * time.Second,
	},
}
