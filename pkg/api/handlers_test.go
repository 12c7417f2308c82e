package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/aggregator"
	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/entitlements"
	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage/memory"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store *memory.Store
	eval  *entitlements.Evaluator
	agg   *aggregator.Aggregator
	srv   *api.Server
}

func newTestEnv(t *testing.T, mutate func(*api.Options)) *testEnv {
	t.Helper()

	catalog := plans.DefaultCatalog()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := memory.New()
	now := func() time.Time { return testNow }

	cache, err := licenses.NewCachedStore(store, licenses.CacheConfig{TTL: time.Minute, LoadTimeout: time.Second}, nil, logger)
	require.NoError(t, err)

	meter := usage.NewMeter(store, usage.MeterConfig{
		DefaultMode: plans.ModeSoft,
		Modes:       catalog.Modes(),
		Timeout:     time.Second,
	})
	eval := entitlements.NewEvaluator(catalog, cache, meter, entitlements.Options{Markers: store, Logger: logger, Now: now})
	agg := aggregator.New(eval, store, aggregator.DefaultConfig(), aggregator.Options{Logger: logger, Now: now})

	opts := api.Options{
		Buffer:         agg,
		RequestTimeout: time.Second,
		Logger:         logger,
		Now:            now,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &testEnv{
		store: store,
		eval:  eval,
		agg:   agg,
		srv:   api.NewServer(eval, opts),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T, tenant string) {
	t.Helper()
	require.NoError(t, e.eval.UpdateLicense(context.Background(), &licenses.TenantLicense{
		TenantID:   tenant,
		Plan:       plans.TierBasic,
		Features:   licenses.NewFeatureSet("dashboard.basic", "api.calls", "users.seats"),
		Limits:     map[string]plans.Limit{"dashboard.basic": 3, "api.calls": 1000, "users.seats": 5},
		Status:     licenses.StatusActive,
		ValidUntil: testNow.AddDate(0, 1, 0),
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

var owner = map[string]string{middleware.HeaderRole: "owner"}

func TestGetLicense(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/v1/tenants/acme/license", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.seed(t, "acme")
	rec = env.do(t, http.MethodGet, "/v1/tenants/acme/license", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[api.LicenseResponse](t, rec)
	require.NotNil(t, got.TenantLicense)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, plans.TierBasic, got.Plan)
	assert.True(t, got.Valid)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
}

func TestPutLicense(t *testing.T) {
	env := newTestEnv(t, nil)
	license := map[string]interface{}{
		"plan":        "basic",
		"features":    []string{"dashboard.basic"},
		"limits":      map[string]int{"dashboard.basic": 10},
		"status":      "trial",
		"valid_until": testNow.AddDate(0, 0, 14),
	}

	rec := env.do(t, http.MethodPut, "/v1/tenants/acme/license", license, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "requires owner role")

	rec = env.do(t, http.MethodPut, "/v1/tenants/acme/license", license, owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[licenses.TenantLicense](t, rec)
	assert.Equal(t, "acme", saved.TenantID)
	assert.Equal(t, licenses.StatusTrial, saved.Status)

	l, err := env.store.GetLicense(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, plans.Limit(10), l.Limits["dashboard.basic"])

	license["tenant_id"] = "globex"
	rec = env.do(t, http.MethodPut, "/v1/tenants/acme/license", license, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	delete(license, "tenant_id")
	license["features"] = []string{"white_label"}
	rec = env.do(t, http.MethodPut, "/v1/tenants/acme/license", license, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "feature outside the plan")
}

func TestPostLicenseEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/license/events", api.LicenseEventBody{Event: licenses.EventLapse}, owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, licenses.StatusExpired, decode[licenses.TenantLicense](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/license/events", api.LicenseEventBody{Event: licenses.EventActivate}, owner)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/tenants/globex/license/events", api.LicenseEventBody{Event: licenses.EventLapse}, owner)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/license/events", map[string]string{}, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostLicenseEvent_RenewNeedsValidUntil(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.eval.UpdateLicense(context.Background(), &licenses.TenantLicense{
		TenantID:   "acme",
		Plan:       plans.TierBasic,
		Features:   licenses.NewFeatureSet("dashboard.basic"),
		Status:     licenses.StatusExpired,
		ValidUntil: testNow.AddDate(0, 0, -3),
	}))

	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/license/events", api.LicenseEventBody{Event: licenses.EventRenew}, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	renewed := testNow.AddDate(1, 0, 0)
	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/license/events", api.LicenseEventBody{Event: licenses.EventRenew, ValidUntil: renewed}, owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	l := decode[licenses.TenantLicense](t, rec)
	assert.Equal(t, licenses.StatusActive, l.Status)
	assert.True(t, renewed.Equal(l.ValidUntil))
}

func TestPostAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	tests := []struct {
		name    string
		body    interface{}
		headers map[string]string
		status  int
		allowed bool
		reason  entitlements.Reason
	}{
		{name: "licensed feature", body: api.AccessBody{Feature: "dashboard.basic"}, status: http.StatusOK, allowed: true},
		{name: "unlicensed feature", body: api.AccessBody{Feature: "dashboard.advanced"}, status: http.StatusOK, reason: entitlements.ReasonFeatureNotLicensed},
		{name: "role from header", body: api.AccessBody{Feature: "users.seats"}, headers: map[string]string{middleware.HeaderRole: "developer"}, status: http.StatusOK, reason: entitlements.ReasonInsufficientRole},
		{name: "role from body", body: api.AccessBody{Feature: "users.seats", Role: "admin"}, headers: map[string]string{middleware.HeaderRole: "developer"}, status: http.StatusOK, allowed: true},
		{name: "missing feature", body: api.AccessBody{}, status: http.StatusBadRequest},
		{name: "unknown role", body: api.AccessBody{Feature: "users.seats", Role: "root"}, status: http.StatusBadRequest},
		{name: "unknown field", body: map[string]string{"feature": "dashboard.basic", "tenant": "globex"}, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/tenants/acme/access", tt.body, tt.headers)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				return
			}
			d := decode[entitlements.Decision](t, rec)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}

	rec := env.do(t, http.MethodPost, "/v1/tenants/globex/access", api.AccessBody{Feature: "dashboard.basic"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entitlements.ReasonLicenseNotFound, decode[entitlements.Decision](t, rec).Reason)
}

func TestPostUsage_HardLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	for i := 1; i <= 3; i++ {
		rec := env.do(t, http.MethodPost, "/v1/tenants/acme/usage", api.UsageBody{Feature: "dashboard.basic"}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decode[entitlements.RecordResult](t, rec)
		assert.True(t, res.Accepted)
		assert.Equal(t, int64(i), res.CurrentUsage)
	}

	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/usage", api.UsageBody{Feature: "dashboard.basic"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	res := decode[entitlements.RecordResult](t, rec)
	assert.False(t, res.Accepted)
	assert.Equal(t, entitlements.ReasonUsageLimitExceeded, res.Reason)

	// ?async=true does not bypass a hard quota
	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=true", api.UsageBody{Feature: "dashboard.basic"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, env.agg.Pending())

	rec = env.do(t, http.MethodGet, "/v1/tenants/acme/usage", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[api.UsageReport](t, rec)
	assert.Equal(t, "2026-03", report.Period)
	assert.Equal(t, int64(3), report.Counters["dashboard.basic"].Count)
}

func TestPostUsage_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	tests := []struct {
		name   string
		tenant string
		body   interface{}
		status int
	}{
		{"unlicensed feature", "acme", api.UsageBody{Feature: "sso"}, http.StatusPaymentRequired},
		{"unknown tenant", "globex", api.UsageBody{Feature: "api.calls"}, http.StatusNotFound},
		{"negative value", "acme", api.UsageBody{Feature: "api.calls", Value: -1}, http.StatusBadRequest},
		{"missing feature", "acme", api.UsageBody{Value: 1}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/tenants/"+tt.tenant+"/usage", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestPostUsage_Buffered(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	body := api.UsageBody{Feature: "api.calls", Value: 5, IdempotencyKey: "evt-1"}
	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=true", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, api.BufferedResponse{Accepted: true, Buffered: true}, decode[api.BufferedResponse](t, rec))

	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=true", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.BufferedResponse](t, rec).Duplicate)

	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=true", api.UsageBody{Feature: "api.calls", Value: 2}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Nothing is applied until the aggregator flushes
	rec = env.do(t, http.MethodGet, "/v1/tenants/acme/usage?period=2026-03", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[api.UsageReport](t, rec).Counters)

	stats, err := env.agg.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)

	rec = env.do(t, http.MethodGet, "/v1/tenants/acme/usage?period=2026-03", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), decode[api.UsageReport](t, rec).Counters["api.calls"].Count)

	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=maybe", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostUsage_Timestamps(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")
	february := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)

	for _, path := range []string{"/v1/tenants/acme/usage", "/v1/tenants/acme/usage?async=true"} {
		rec := env.do(t, http.MethodPost, path, api.UsageBody{Feature: "api.calls", Timestamp: testNow.Add(time.Hour)}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}

	// a late event for the previous period is recorded synchronously so
	// the closed-period check applies
	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=true", api.UsageBody{Feature: "api.calls", Timestamp: february}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, env.agg.Pending())

	require.NoError(t, env.store.MarkReset(context.Background(), "acme", "api.calls", "2026-02"))
	rec = env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=true", api.UsageBody{Feature: "api.calls", Timestamp: february}, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, entitlements.ReasonPeriodClosed, decode[entitlements.RecordResult](t, rec).Reason)
}

func TestPostUsage_NoBuffer(t *testing.T) {
	env := newTestEnv(t, func(o *api.Options) { o.Buffer = nil })
	env.seed(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/usage?async=true", api.UsageBody{Feature: "api.calls"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[entitlements.RecordResult](t, rec).CurrentUsage)
}

func TestGetUsage_InvalidPeriod(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	rec := env.do(t, http.MethodGet, "/v1/tenants/acme/usage?period=March", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantHeaderMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	rec := env.do(t, http.MethodGet, "/v1/tenants/acme/license", nil, map[string]string{middleware.HeaderTenantID: "globex"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestContentType(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "acme")

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/acme/access", strings.NewReader("feature=dashboard.basic"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Hour})
	env := newTestEnv(t, func(o *api.Options) { o.RateLimiter = limiter })
	env.seed(t, "acme")

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/tenants/acme/license", nil, nil).Code)
	}
	rec := env.do(t, http.MethodGet, "/v1/tenants/acme/license", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other tenants keep their own budget
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/tenants/globex/license", nil, nil).Code)
}

func TestOperationalRoutes(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	env := newTestEnv(t, func(o *api.Options) {
		o.Metrics = metrics
		o.MetricsHandler = observability.MetricsHandler(registry)
		o.Health = observability.NewHealthChecker(nil, nil, observability.HealthOptions{Version: "test"})
	})
	env.seed(t, "acme")

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/tenants/acme/license", nil, nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tollgate_http_requests_total")
}
