package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerMetricsCounters(t *testing.T) {
	var m WorkerMetrics

	before := testutil.ToFloat64(JobsClaimedTotal.WithLabelValues("post-listing"))
	m.JobClaimed("post-listing")
	m.JobCompleted("post-listing", 2*time.Second)
	m.JobFailed("post-listing", "server_error")
	m.JobRescheduled("post-listing", "rate_limited")
	m.JobDeadLettered("post-listing")

	assert.Equal(t, before+1, testutil.ToFloat64(JobsClaimedTotal.WithLabelValues("post-listing")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(JobsCompletedTotal.WithLabelValues("post-listing")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(JobsFailedTotal.WithLabelValues("post-listing", "server_error")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(JobsDeadLetteredTotal.WithLabelValues("post-listing")), 1.0)
}

func TestRecordCircuitState(t *testing.T) {
	RecordCircuitState("ebay", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("ebay")))
	RecordCircuitState("ebay", "half_open")
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("ebay")))
	RecordCircuitState("ebay", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("ebay")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	h := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/v1/jobs", http.MethodGet, http.StatusText(http.StatusNoContent))),
		1.0)
}
