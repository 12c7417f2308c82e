package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Headers set by the authenticating gateway in front of the engine
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserID    = "X-User-ID"
	HeaderRole      = "X-User-Role"
	HeaderRequestID = "X-Request-ID"
)

// TenantVar is the mux route variable holding the tenant id
const TenantVar = "tenant"

// RequestID propagates X-Request-ID, generating one when absent
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

// Principal builds the caller's auth.Principal from gateway headers and the
// route's tenant variable. Identity is not verified here; the gateway owns
// authentication. A header tenant that disagrees with the route is refused.
func Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := mux.Vars(r)[TenantVar]
		if header := strings.TrimSpace(r.Header.Get(HeaderTenantID)); header != "" {
			if tenant != "" && header != tenant {
				httputil.WriteErrorMessage(w, http.StatusForbidden, "tenant mismatch")
				return
			}
			tenant = header
		}

		role, err := auth.ParseRole(r.Header.Get(HeaderRole))
		if err != nil {
			httputil.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}

		p := auth.Principal{
			TenantID: tenant,
			UserID:   r.Header.Get(HeaderUserID),
			Role:     role,
		}
		ctx := auth.WithPrincipal(r.Context(), p)
		if p.TenantID != "" {
			ctx = observability.WithTenantID(ctx, p.TenantID)
		}
		if p.UserID != "" {
			ctx = observability.WithUserID(ctx, p.UserID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers below min
func RequireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFrom(r.Context())
			if !ok {
				httputil.WriteErrorMessage(w, http.StatusUnauthorized, "missing principal")
				return
			}
			if !p.Role.AtLeast(min) {
				httputil.WriteErrorMessage(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
