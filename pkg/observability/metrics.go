package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Entitlement metrics
	DecisionsTotal       *prometheus.CounterVec
	UsageRecordsTotal    *prometheus.CounterVec
	LicenseCacheTotal    *prometheus.CounterVec
	LicenseTransitions   *prometheus.CounterVec
	StoreErrorsTotal     *prometheus.CounterVec
	RetryQueueDepth      prometheus.Gauge
	BufferedEventsTotal  *prometheus.CounterVec

	// Aggregator metrics
	AggregatorRunsTotal    *prometheus.CounterVec
	AggregatorRunDuration  *prometheus.HistogramVec
	CountersResetTotal     prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_access_decisions_total",
				Help: "Access decisions by outcome reason",
			},
			[]string{"reason"},
		),
		UsageRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_usage_records_total",
				Help: "Usage recordings by outcome",
			},
			[]string{"outcome"},
		),
		LicenseCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_license_cache_lookups_total",
				Help: "License cache lookups by result",
			},
			[]string{"result"},
		),
		LicenseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_license_transitions_total",
				Help: "License status transitions applied",
			},
			[]string{"event"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_store_errors_total",
				Help: "Backing store availability failures",
			},
			[]string{"store"},
		),
		RetryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_usage_retry_queue_depth",
				Help: "Usage events waiting to be retried",
			},
		),
		BufferedEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_usage_buffered_events_total",
				Help: "Usage events handled by the aggregator buffer",
			},
			[]string{"result"},
		),

		AggregatorRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_aggregator_runs_total",
				Help: "Aggregator job runs",
			},
			[]string{"job", "status"},
		),
		AggregatorRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_aggregator_run_duration_seconds",
				Help:    "Aggregator job duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"job"},
		),
		CountersResetTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_usage_counters_reset_total",
				Help: "Usage counters reset at a period boundary",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.DecisionsTotal,
		m.UsageRecordsTotal,
		m.LicenseCacheTotal,
		m.LicenseTransitions,
		m.StoreErrorsTotal,
		m.RetryQueueDepth,
		m.BufferedEventsTotal,
		m.AggregatorRunsTotal,
		m.AggregatorRunDuration,
		m.CountersResetTotal,
	)

	return m
}

// ObserveDecision counts an access decision. Allowed decisions use the
// reason "allowed".
func (m *Metrics) ObserveDecision(reason string) {
	m.DecisionsTotal.WithLabelValues(reason).Inc()
}

// ObserveUsage counts a usage recording outcome
func (m *Metrics) ObserveUsage(outcome string) {
	m.UsageRecordsTotal.WithLabelValues(outcome).Inc()
}

// LicenseCacheLookup counts a license cache lookup
func (m *Metrics) LicenseCacheLookup(result string) {
	m.LicenseCacheTotal.WithLabelValues(result).Inc()
}

// ObserveTransition counts an applied license lifecycle event
func (m *Metrics) ObserveTransition(event string) {
	m.LicenseTransitions.WithLabelValues(event).Inc()
}

// ObserveStoreError counts an availability failure of a backing store
func (m *Metrics) ObserveStoreError(store string) {
	m.StoreErrorsTotal.WithLabelValues(store).Inc()
}

// SetRetryQueueDepth records the number of queued usage events
func (m *Metrics) SetRetryQueueDepth(n int) {
	m.RetryQueueDepth.Set(float64(n))
}

// ObserveBufferedEvents counts buffer results such as "accepted",
// "duplicate" and "flushed"
func (m *Metrics) ObserveBufferedEvents(result string, n int) {
	m.BufferedEventsTotal.WithLabelValues(result).Add(float64(n))
}

// ObserveAggregatorRun records one aggregator job run
func (m *Metrics) ObserveAggregatorRun(job string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AggregatorRunsTotal.WithLabelValues(job, status).Inc()
	m.AggregatorRunDuration.WithLabelValues(job).Observe(d.Seconds())
}

// AddCountersReset adds n reset counters
func (m *Metrics) AddCountersReset(n int) {
	m.CountersResetTotal.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled with the mux route template so tenant IDs never
// become label values.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
