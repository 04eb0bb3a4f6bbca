package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/metrics"
)

func TestMetricsExposure(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveRun("+100", "done", "", 5, 1, 1500*time.Millisecond)
	m.ObserveThrottle(3 * time.Second)
	m.ObserveBatch("api", "messages", true)
	m.ObserveBatch("api", "messages", false)
	m.SetBreakerOpen("backend_api", true)

	assert.InDelta(t, 5, testutil.ToFloat64(m.Messages.WithLabelValues("+100")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ThrottleTime), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Batches.WithLabelValues("api", "messages", "failed")), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"tgcollector_runs_total",
		"tgcollector_run_duration_seconds",
		"tgcollector_throttle_waits_total",
		"tgcollector_persist_batches_total",
		"tgcollector_circuit_breaker_open",
	} {
		assert.Contains(t, body, name)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	t.Parallel()

	a, b := metrics.New(), metrics.New()
	a.ObserveThrottle(time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(a.ThrottleWaits), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.ThrottleWaits), 0)
}
