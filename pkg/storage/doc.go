// Package storage holds the configuration and error contract shared by the
// persistence adapters.
//
// # Backends
//
// Licenses:
//   - memory: process-local, for development and tests (pkg/storage/memory)
//   - postgres: tenant_licenses table (pkg/storage/postgres)
//
// Usage counters:
//   - memory: sharded per-key locks (pkg/storage/memory)
//   - postgres: conditional UPSERT on usage_counters (pkg/storage/postgres)
//   - redis: Lua check-and-increment script (pkg/storage/redisstore)
//
// # Errors
//
// Adapters convert transport failures into ErrUnavailable so the engine can
// apply its stale-if-error policy without inspecting driver errors:
//
//	lic, err := store.GetLicense(ctx, tenantID)
//	if storage.IsUnavailable(err) {
//		// fall back to the last known good license
//	}
package storage
