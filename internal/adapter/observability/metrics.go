package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job attempt failures by failure category",
		},
		[]string{"type", "category"},
	)
	JobsRescheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_rescheduled_total",
			Help: "Total number of jobs pushed back to pending",
		},
		[]string{"type"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"type"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Total number of rate limiter denials by marketplace",
		},
		[]string{"marketplace", "window"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per marketplace (0 closed, 1 half-open, 2 open)",
		},
		[]string{"marketplace"},
	)
	DeadLetterPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dead_letter_pending",
			Help: "Dead-letter entries awaiting review",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRescheduledTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(RateLimitDeniedTotal)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(DeadLetterPending)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil.
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// WorkerMetrics feeds job-loop counters; it satisfies the worker's Metrics
// hook.
type WorkerMetrics struct{}

func (WorkerMetrics) JobClaimed(jobType string) {
	JobsClaimedTotal.WithLabelValues(jobType).Inc()
}

func (WorkerMetrics) JobCompleted(jobType string, d time.Duration) {
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (WorkerMetrics) JobFailed(jobType, category string) {
	JobsFailedTotal.WithLabelValues(jobType, category).Inc()
}

func (WorkerMetrics) JobRescheduled(jobType, _ string) {
	JobsRescheduledTotal.WithLabelValues(jobType).Inc()
}

func (WorkerMetrics) JobDeadLettered(jobType string) {
	JobsDeadLetteredTotal.WithLabelValues(jobType).Inc()
	DeadLetterPending.Inc()
}

// RecordRateLimitDenied marks one limiter denial.
func RecordRateLimitDenied(marketplace, window string) {
	RateLimitDeniedTotal.WithLabelValues(marketplace, window).Inc()
}

// RecordCircuitState mirrors a breaker state onto the gauge.
func RecordCircuitState(marketplace, state string) {
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(marketplace).Set(v)
}
