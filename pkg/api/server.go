package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Options configures the optional parts of the server
type Options struct {
	// Buffer enables ?async=true on POST /usage for soft-mode features
	Buffer UsageBuffer
	Health *observability.HealthChecker
	// Metrics records HTTP request metrics when set
	Metrics *observability.Metrics
	// MetricsHandler is served at /metrics when set
	MetricsHandler http.Handler
	// RateLimiter limits tenant routes when set
	RateLimiter    middleware.Limiter
	RequestTimeout time.Duration
	Logger         *observability.Logger
	Now            func() time.Time
}

// Server represents our API server
type Server struct {
	engine  Engine
	buffer  UsageBuffer
	router  *mux.Router
	logger  *observability.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewServer creates a new API server
func NewServer(engine Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		engine:  engine,
		buffer:  opts.Buffer,
		router:  mux.NewRouter(),
		logger:  opts.Logger.WithField("component", "api"),
		now:     opts.Now,
		timeout: opts.RequestTimeout,
	}
	s.setupRoutes(opts)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(opts Options) {
	s.router.Use(httputil.RecoveryMiddleware, middleware.RequestID, s.withLogger, httputil.LoggingMiddleware)
	if opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}

	if opts.Health != nil {
		observability.RegisterHealthRoutes(s.router, opts.Health)
	}
	if opts.MetricsHandler != nil {
		s.router.Handle("/metrics", opts.MetricsHandler).Methods(http.MethodGet)
	}

	tenants := s.router.PathPrefix("/v1/tenants/{" + middleware.TenantVar + "}").Subrouter()
	tenants.Use(middleware.Principal)
	if opts.RateLimiter != nil {
		tenants.Use(middleware.NewRateLimitMiddleware(opts.RateLimiter).Handler)
	}
	tenants.Use(httputil.TimeoutMiddleware(s.timeout), httputil.ContentTypeMiddleware)

	// License routes
	tenants.HandleFunc("/license", s.getLicense).Methods(http.MethodGet)
	tenants.Handle("/license", middleware.RequireRole(auth.RoleOwner)(http.HandlerFunc(s.putLicense))).Methods(http.MethodPut)
	tenants.Handle("/license/events", middleware.RequireRole(auth.RoleOwner)(http.HandlerFunc(s.postLicenseEvent))).Methods(http.MethodPost)

	// Entitlement routes
	tenants.HandleFunc("/access", s.postAccess).Methods(http.MethodPost)
	tenants.HandleFunc("/usage", s.postUsage).Methods(http.MethodPost)
	tenants.HandleFunc("/usage", s.getUsage).Methods(http.MethodGet)
}

// withLogger puts the server logger, tagged with the active trace, in the
// request context
func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := observability.UpdateLoggerWithTraceContext(r.Context(), s.logger)
		next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), logger)))
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
