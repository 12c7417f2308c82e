// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// Logging is JSON via log/slog:
//
//	logger := observability.NewLogger(observability.InfoLevel, nil)
//	logger.WithField("tenant_id", tenant).Warn("serving stale license")
//
// Metrics are registered on a caller-owned registry. *Metrics satisfies the
// small observer interfaces of the licenses, entitlements and aggregator
// packages:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// Health checks report PostgreSQL and Redis state on /healthz and /readyz.
package observability
