// Package middleware provides the HTTP middleware in front of the
// entitlement engine: request IDs, principal extraction, feature gating and
// per-tenant rate limiting.
//
// # Ordering
//
// Principal must run before RequireFeature, RequireRole and the rate
// limiter. Without it there is no tenant in the context and gated routes
// answer 401; rate limiting falls back to the client IP.
//
//	router.Use(middleware.RequestID)
//	router.Use(middleware.Principal)
//	router.Use(middleware.NewRateLimitMiddleware(limiter).Handler)
//	router.Handle("/reports", gate.RequireFeature("reports.export")(handler))
//
// # Feature Gate
//
// RequireFeature asks the evaluator before calling the wrapped handler.
// Denials are answered with the decision as JSON:
//
//	FeatureNotLicensed, LicenseExpired  402 Payment Required
//	LicenseNotFound, InsufficientRole   403 Forbidden
//	UsageLimitExceeded                  429 Too Many Requests
//	StoreUnavailable                    503 Service Unavailable
//
// Hard-mode features reserve one unit of usage before the handler runs and
// answer the refusal when the reservation fails. For soft-mode features a
// successful response records one unit of usage in the background.
//
// # Rate Limiting
//
// RateLimiter is an in-process token bucket. DistributedRateLimiter keeps a
// fixed window per tenant in Redis so that all instances share the budget.
// Both fail open on limiter errors unless SetFailOpen(false) is called.
package middleware
