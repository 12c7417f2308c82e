// Package licenses holds tenant licenses and their lifecycle.
//
// A license moves through trial, active, expired and suspended. Expired
// licenses remain valid for a grace period measured from valid_until; the
// period comes from the license itself or the engine default.
//
//	trial   --activate--> active
//	trial   --lapse-----> expired
//	active  --lapse-----> expired
//	expired --renew-----> active
//	expired --grace_elapsed--> suspended
//	suspended --reactivate--> active
//
// renew and reactivate must leave valid_until in the future, otherwise the
// next sweep would lapse the license again.
//
// CachedStore fronts any Store with a short TTL cache and keeps a last known
// good copy per tenant that is served, flagged stale, while the store is
// unreachable.
package licenses
