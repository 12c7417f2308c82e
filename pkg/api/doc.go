// Package api provides the HTTP API of the entitlement engine.
//
// # Routes
//
// Tenant routes live under /v1/tenants/{tenant} and run behind
// middleware.Principal, so the tenant comes from the path and the caller's
// role from the X-User-Role header set by the gateway:
//
//	GET  /license                  license with a computed "valid" flag
//	PUT  /license                  create or replace the license (owner)
//	POST /license/events           apply a lifecycle event (owner)
//	POST /access                   {feature, role, user_id} -> Decision
//	POST /usage[?async=true]       {feature, value, metadata, idempotency_key}
//	GET  /usage[?period=YYYY-MM]   counters for the period, current by default
//
// Operational routes:
//
//	GET /healthz  GET /readyz  GET /metrics
//
// # Status Codes
//
// POST /access always answers 200; a denial is a Decision with Allowed
// false and a Reason. POST /usage maps the result onto the status: 200
// applied, 202 queued for retry or buffered, 400 timestamp outside the
// accepted window, 402 feature not licensed or license expired, 404 no
// license, 409 period already closed, 429 hard quota exceeded, 503 counter
// store unavailable.
//
// POST /license/events takes {event, valid_until}. renew and reactivate
// need a valid_until in the future unless the license already has one.
//
// # Buffered Usage
//
// With ?async=true and an aggregator configured, usage of soft-mode
// features is buffered and applied on the next flush. Events carrying an
// idempotency key already seen in the current window are acknowledged as
// duplicates. Hard-mode features and events timestamped in an earlier
// period are always recorded synchronously.
//
// Usage:
//
//	srv := api.NewServer(evaluator, api.Options{
//		Buffer:         agg,
//		Health:         health,
//		Metrics:        metrics,
//		MetricsHandler: observability.MetricsHandler(registry),
//		RequestTimeout: cfg.Engine.RequestTimeout,
//		Logger:         logger,
//	})
//	http.ListenAndServe(cfg.Server.Addr(), srv)
package api
