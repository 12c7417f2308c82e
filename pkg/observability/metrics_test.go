package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Run("registers every collector", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		m := NewMetrics(registry)
		require.NotNil(t, m)

		m.ObserveDecision("allowed")
		m.ObserveUsage("accepted")
		m.LicenseCacheLookup("hit")
		m.ObserveTransition("lapse")
		m.ObserveStoreError("counters")
		m.SetRetryQueueDepth(3)
		m.ObserveBufferedEvents("accepted", 1)
		m.ObserveAggregatorRun("flush", nil, time.Millisecond)
		m.AddCountersReset(1)

		families, err := registry.Gather()
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, f := range families {
			names[f.GetName()] = true
		}
		for _, want := range []string{
			"tollgate_access_decisions_total",
			"tollgate_usage_records_total",
			"tollgate_license_cache_lookups_total",
			"tollgate_license_transitions_total",
			"tollgate_store_errors_total",
			"tollgate_usage_retry_queue_depth",
			"tollgate_usage_buffered_events_total",
			"tollgate_aggregator_runs_total",
			"tollgate_aggregator_run_duration_seconds",
			"tollgate_usage_counters_reset_total",
		} {
			assert.True(t, names[want], "missing %s", want)
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)
		assert.Panics(t, func() { NewMetrics(registry) })
	})
}

func TestMetrics_EntitlementCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveDecision("FeatureNotLicensed")
	m.ObserveDecision("FeatureNotLicensed")
	m.ObserveDecision("allowed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("FeatureNotLicensed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("allowed")))

	m.LicenseCacheLookup("stale")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LicenseCacheTotal.WithLabelValues("stale")))

	m.SetRetryQueueDepth(7)
	m.SetRetryQueueDepth(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetryQueueDepth))

	m.ObserveBufferedEvents("duplicate", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BufferedEventsTotal.WithLabelValues("duplicate")))

	m.AddCountersReset(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.CountersResetTotal))
}

func TestMetrics_AggregatorRunStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveAggregatorRun("rollover", nil, 10*time.Millisecond)
	m.ObserveAggregatorRun("rollover", errors.New("lock lost"), 10*time.Millisecond)
	m.ObserveAggregatorRun("rollover", errors.New("lock lost"), 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggregatorRunsTotal.WithLabelValues("rollover", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AggregatorRunsTotal.WithLabelValues("rollover", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AggregatorRunDuration))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/v1/tenants/{tenant}/license", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"license not found"}`))
	}).Methods(http.MethodGet)

	for _, tenant := range []string{"acme", "globex"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/tenants/"+tenant+"/license", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/tenants/{tenant}/license", "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestsTotal))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.ObserveDecision("LicenseExpired")

	srv := httptest.NewServer(MetricsHandler(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `tollgate_access_decisions_total{reason="LicenseExpired"} 1`))
}
