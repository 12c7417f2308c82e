// Package config loads tollgate configuration from environment variables.
//
// Every setting has a default, so an empty environment runs the engine with
// in-memory stores and the built-in plan catalog.
//
// Server settings:
//
//	ENTITLE_HOST="0.0.0.0"
//	ENTITLE_PORT="8080"
//	ENTITLE_SHUTDOWN_TIMEOUT="30s"
//
// Engine settings:
//
//	ENTITLE_GRACE_PERIOD_DAYS="7"
//	ENTITLE_ENFORCEMENT_MODE="soft"  # soft, hard
//	ENTITLE_REQUEST_TIMEOUT="250ms"
//	ENTITLE_LICENSE_CACHE_TTL="30s"
//	ENTITLE_PLAN_CATALOG="/etc/tollgate/plans.yaml"
//	ENTITLE_RETRY_QUEUE_CAPACITY="10000"
//
// Aggregator settings:
//
//	ENTITLE_AGGREGATOR_INTERVAL="5m"
//	ENTITLE_BOUNDARY_SCHEDULE="5 0 * * *"  # evaluated in UTC
//
// Storage settings:
//
//	ENTITLE_LICENSE_BACKEND="postgres"  # memory, postgres
//	ENTITLE_COUNTER_BACKEND="redis"     # memory, postgres, redis
//	ENTITLE_POSTGRES_URL="postgres://localhost/tollgate?sslmode=disable"
//	ENTITLE_REDIS_URL="redis://localhost:6379/0"
//
// Observability settings:
//
//	ENTITLE_LOG_LEVEL="info"  # debug, info, warn, error
//	ENTITLE_OTEL_ENABLED="true"
//	ENTITLE_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
