// Package contextkeys provides centralized context key definitions
//
// All context keys used across the engine are defined here so packages that
// share request-scoped values agree on one key per value without importing
// each other.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithTenantID(ctx, "acme")
//	tenant := contextkeys.GetTenantID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains auth.Principal
	// Set by: middleware.Principal
	// Required by: role gates, feature gates, POST /access
	PrincipalKey Key = "principal"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, distributed tracing
	RequestIDKey Key = "request_id"

	// TenantIDKey contains the tenant being evaluated
	// Set by: middleware.Principal, evaluator spans
	// Used by: Logger
	TenantIDKey Key = "tenant_id"

	// UserIDKey contains the calling user ID forwarded by the gateway
	// Set by: middleware.Principal
	// Used by: Logger
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: the API server
	// Used by: observability.FromContext
	LoggerKey Key = "logger"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithTenantID adds the tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// GetTenantID retrieves the tenant ID from context
func GetTenantID(ctx context.Context) string {
	return getString(ctx, TenantIDKey)
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

func getString(ctx context.Context, key Key) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
