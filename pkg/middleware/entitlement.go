package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/entitlements"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// Checker is the part of the evaluator the gate needs.
// *entitlements.Evaluator implements it.
type Checker interface {
	CheckAccess(ctx context.Context, req entitlements.AccessRequest, now time.Time) entitlements.Decision
	RecordUsage(ctx context.Context, req entitlements.UsageRequest) (entitlements.RecordResult, error)
	EnforcementMode(feature string) plans.EnforcementMode
}

// FeatureGate guards routes behind a feature entitlement
//
// REQUIRES: Principal must run before the gate so the tenant and role are
// in the request context.
type FeatureGate struct {
	checker Checker
	// RecordTimeout bounds the asynchronous usage recording after a
	// successful request
	RecordTimeout time.Duration
	now           func() time.Time
}

// NewFeatureGate creates a gate over checker
func NewFeatureGate(checker Checker) *FeatureGate {
	return &FeatureGate{
		checker:       checker,
		RecordTimeout: 5 * time.Second,
		now:           time.Now,
	}
}

// RequireFeature lets the request through only when CheckAccess allows it.
// Hard-mode features reserve one unit of quota before the wrapped handler
// runs, so concurrent requests cannot overrun the limit; a reservation is
// kept even if the handler fails. Soft-mode usage is recorded in the
// background once the handler succeeds.
func (g *FeatureGate) RequireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFrom(r.Context())
			if !ok || p.TenantID == "" {
				httputil.WriteErrorMessage(w, http.StatusUnauthorized, "missing tenant")
				return
			}

			d := g.checker.CheckAccess(r.Context(), entitlements.AccessRequest{
				TenantID: p.TenantID,
				Feature:  feature,
				Role:     p.Role,
				UserID:   p.UserID,
			}, g.now())
			if !d.Allowed {
				_ = httputil.WriteJSON(w, StatusForDecision(d), d)
				return
			}

			req := entitlements.UsageRequest{TenantID: p.TenantID, Feature: feature, Value: 1}

			if g.checker.EnforcementMode(feature) == plans.ModeHard {
				if !g.reserve(w, r, req) {
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status >= http.StatusBadRequest {
				return
			}

			async.SafeGoNoError(context.WithoutCancel(r.Context()), g.RecordTimeout, "record feature usage", func(ctx context.Context) {
				res, err := g.checker.RecordUsage(ctx, req)
				if err != nil {
					observability.FromContext(ctx).WithError(err).Warn("failed to record feature usage")
					return
				}
				if !res.Accepted {
					observability.FromContext(ctx).WithField("reason", string(res.Reason)).Warn("feature usage not recorded")
				}
			})
		})
	}
}

// reserve consumes one unit of a hard quota and writes the denial when it
// is refused
func (g *FeatureGate) reserve(w http.ResponseWriter, r *http.Request, req entitlements.UsageRequest) bool {
	res, err := g.checker.RecordUsage(r.Context(), req)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to reserve feature usage")
		httputil.WriteServiceUnavailable(w, "usage could not be recorded")
		return false
	}
	if res.Accepted {
		return true
	}

	d := entitlements.Decision{
		Reason:          res.Reason,
		UpgradeRequired: res.Suggestion != nil,
		Suggestion:      res.Suggestion,
		Stale:           res.Stale,
	}
	_ = httputil.WriteJSON(w, StatusForDecision(d), d)
	return false
}

// StatusForDecision maps a denial to an HTTP status
func StatusForDecision(d entitlements.Decision) int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case d.Reason == entitlements.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	case d.Reason == entitlements.ReasonUsageLimitExceeded:
		return http.StatusTooManyRequests
	case d.UpgradeRequired, d.Reason == entitlements.ReasonLicenseExpired:
		return http.StatusPaymentRequired
	default:
		return http.StatusForbidden
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
