// Package entitlements answers whether a tenant may use a feature and
// records what it consumed.
//
// CheckAccess evaluates, in order: license presence, validity under the
// grace policy, feature membership, the feature's minimum role and, for
// quota-bound features, the current counter. It never changes a counter.
//
// RecordUsage runs the same license and feature checks and then increments
// the counter for the event's period through usage.Meter. Denials are
// results, not errors; errors are reserved for malformed requests.
//
// The license is judged when the event is admitted, never at the caller's
// timestamp. The timestamp only selects the period: it may be at most
// MaxEventSkew ahead of the server clock and no older than the previous
// period, and an event backdated into a period already rolled over is
// refused with ReasonPeriodClosed.
//
// Store outages are handled per enforcement mode. Hard-mode features fail
// closed with ReasonStoreUnavailable. Soft-mode usage is handed to a
// usage.RetryQueue and replayed by DrainRetries.
package entitlements
