// Package usage meters quota-bound features.
//
// Counters are keyed by (tenant, feature, period) where period is the
// calendar month "YYYY-MM" in UTC. The Meter enforces a limit per call in
// one of two modes:
//
//   - soft: the increment always applies and OverLimit reports overage
//   - hard: the increment applies only if the new count stays within the limit
//
// A limit of 0 means the feature is unusable and plans.Unlimited means no
// cap. Atomicity is provided by the CounterStore: the Redis adapter uses a
// Lua script, the Postgres adapter a conditional upsert and the in-memory
// adapter a sharded mutex map.
package usage
