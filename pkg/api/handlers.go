package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/aggregator"
	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/entitlements"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

func tenantOf(r *http.Request) string {
	return mux.Vars(r)[middleware.TenantVar]
}

// getLicense handles GET /v1/tenants/{tenant}/license
func (s *Server) getLicense(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.GetLicense(r.Context(), tenantOf(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, LicenseResponse{
		TenantLicense: l,
		Valid:         s.engine.IsLicenseValid(l, s.now()),
	})
}

// putLicense handles PUT /v1/tenants/{tenant}/license
func (s *Server) putLicense(w http.ResponseWriter, r *http.Request) {
	var l licenses.TenantLicense
	if !httputil.ParseJSONOrError(w, r, &l) {
		return
	}

	tenant := tenantOf(r)
	if l.TenantID == "" {
		l.TenantID = tenant
	}
	if l.TenantID != tenant {
		httputil.WriteBadRequest(w, "tenant_id does not match the route")
		return
	}

	if err := s.engine.UpdateLicense(r.Context(), &l); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).WithFields(map[string]interface{}{
		"plan":   string(l.Plan),
		"status": string(l.Status),
	}).Info("license updated")
	httputil.WriteSuccess(w, l)
}

// postLicenseEvent handles POST /v1/tenants/{tenant}/license/events
func (s *Server) postLicenseEvent(w http.ResponseWriter, r *http.Request) {
	var body LicenseEventBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequireNonEmpty(w, string(body.Event), "event") {
		return
	}

	l, err := s.engine.Transition(r.Context(), tenantOf(r), body.Event, body.ValidUntil)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, l)
}

// postAccess handles POST /v1/tenants/{tenant}/access. Denials are answered
// with 200 and the decision; the caller acts on Allowed and Reason.
func (s *Server) postAccess(w http.ResponseWriter, r *http.Request) {
	var body AccessBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequireNonEmpty(w, body.Feature, "feature") {
		return
	}

	p, _ := auth.PrincipalFrom(r.Context())
	req := entitlements.AccessRequest{
		TenantID: tenantOf(r),
		Feature:  body.Feature,
		Role:     p.Role,
		UserID:   p.UserID,
	}
	if body.Role != "" {
		role, err := auth.ParseRole(body.Role)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		req.Role = role
	}
	if body.UserID != "" {
		req.UserID = body.UserID
	}

	httputil.WriteSuccess(w, s.engine.CheckAccess(r.Context(), req, s.now()))
}

// postUsage handles POST /v1/tenants/{tenant}/usage. With ?async=true,
// soft-mode usage is buffered for the aggregator and answered with 202.
func (s *Server) postUsage(w http.ResponseWriter, r *http.Request) {
	var body UsageBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequireNonEmpty(w, body.Feature, "feature") {
		return
	}
	async, err := httputil.ParseQueryBool(r, "async", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	req := entitlements.UsageRequest{
		TenantID:       tenantOf(r),
		Feature:        body.Feature,
		Value:          body.Value,
		Metadata:       body.Metadata,
		Timestamp:      body.Timestamp,
		IdempotencyKey: body.IdempotencyKey,
	}

	// Only soft-mode usage is buffered; hard quotas refuse each increment
	if async && s.buffer != nil && s.engine.EnforcementMode(body.Feature) == plans.ModeSoft {
		if s.submit(w, r, req) {
			return
		}
	}

	res, err := s.engine.RecordUsage(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, recordStatus(res), res)
}

// submit buffers the usage. It returns false when the caller should
// record synchronously: the buffer is full, or the event belongs to an
// earlier period and must be checked against its reset marker.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req entitlements.UsageRequest) bool {
	ev, err := s.engine.AdmitUsage(req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return true
	}
	if usage.PeriodOf(ev.Timestamp) != usage.PeriodOf(ev.ReceivedAt) {
		return false
	}

	err = s.buffer.Submit(ev)
	switch {
	case err == nil:
		_ = httputil.WriteAccepted(w, BufferedResponse{Accepted: true, Buffered: true})
	case errors.Is(err, aggregator.ErrDuplicateEvent):
		httputil.WriteSuccess(w, BufferedResponse{Accepted: true, Duplicate: true})
	case errors.Is(err, aggregator.ErrBufferFull):
		observability.FromContext(r.Context()).Warn("usage buffer full, recording synchronously")
		return false
	default:
		httputil.WriteBadRequest(w, err.Error())
	}
	return true
}

// getUsage handles GET /v1/tenants/{tenant}/usage?period=YYYY-MM
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	period := httputil.ParseQueryString(r, "period", usage.PeriodOf(s.now()))

	counters, err := s.engine.GetUsage(r.Context(), tenant, period)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, UsageReport{
		TenantID: tenant,
		Period:   period,
		Counters: counters,
	})
}

// recordStatus maps a usage result to an HTTP status
func recordStatus(res entitlements.RecordResult) int {
	switch {
	case res.Queued:
		return http.StatusAccepted
	case res.Accepted:
		return http.StatusOK
	case res.Reason == entitlements.ReasonLicenseNotFound:
		return http.StatusNotFound
	case res.Reason == entitlements.ReasonPeriodClosed:
		return http.StatusConflict
	}
	return middleware.StatusForDecision(entitlements.Decision{
		Reason:          res.Reason,
		UpgradeRequired: res.Suggestion != nil,
	})
}

// writeStoreError maps engine errors onto HTTP responses
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, licenses.ErrLicenseNotFound):
		httputil.WriteNotFoundError(w, "license not found")
	case errors.Is(err, licenses.ErrInvalidLicense),
		errors.Is(err, entitlements.ErrInvalidRequest),
		errors.Is(err, usage.ErrInvalidPeriod),
		errors.Is(err, usage.ErrInvalidDelta):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, licenses.ErrInvalidTransition):
		httputil.WriteConflict(w, err.Error())
	case storage.IsUnavailable(err):
		observability.FromContext(r.Context()).WithError(err).Warn("store unavailable")
		httputil.WriteServiceUnavailable(w, "store unavailable")
	default:
		httputil.WriteInternalError(w, r, err)
	}
}
