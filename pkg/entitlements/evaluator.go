package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/upgrade"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

var tracer = otel.Tracer("tollgate/entitlements")

// LicenseSource is the license read and write path. *licenses.CachedStore
// implements it.
type LicenseSource interface {
	licenses.Store
	// Lookup returns the license and whether it is a last-known-good copy
	Lookup(ctx context.Context, tenantID string) (*licenses.TenantLicense, bool, error)
	Invalidate(tenantID string)
}

// Options configures an Evaluator. Zero values select defaults.
type Options struct {
	// Grace defaults to DefaultGracePeriodDays when nil
	Grace *licenses.GracePolicy
	// Retries receives soft-mode usage that could not reach the counter
	// store. Without a queue such usage is reported as StoreUnavailable.
	Retries *usage.RetryQueue
	// Markers lets RecordUsage refuse events backdated into a period the
	// aggregator has already closed
	Markers usage.MarkerStore
	// MaxEventSkew bounds how far past now a client timestamp may be.
	// Defaults to DefaultMaxEventSkew.
	MaxEventSkew time.Duration
	Recorder     Recorder
	Logger       *observability.Logger
	// SweepWorkers bounds concurrent saves during SweepLicenses
	SweepWorkers int
	Now          func() time.Time
}

// Evaluator answers entitlement questions for tenants
type Evaluator struct {
	catalog      *plans.Catalog
	licenses     LicenseSource
	meter        *usage.Meter
	advisor      *upgrade.Advisor
	grace        licenses.GracePolicy
	retries      *usage.RetryQueue
	markers      usage.MarkerStore
	maxSkew      time.Duration
	recorder     Recorder
	logger       *observability.Logger
	sweepWorkers int
	now          func() time.Time
}

// NewEvaluator wires an evaluator over a license source and a meter
func NewEvaluator(catalog *plans.Catalog, source LicenseSource, meter *usage.Meter, opts Options) *Evaluator {
	grace := licenses.NewGracePolicy(licenses.DefaultGracePeriodDays)
	if opts.Grace != nil {
		grace = *opts.Grace
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if opts.SweepWorkers <= 0 {
		opts.SweepWorkers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxEventSkew <= 0 {
		opts.MaxEventSkew = DefaultMaxEventSkew
	}
	return &Evaluator{
		catalog:      catalog,
		licenses:     source,
		meter:        meter,
		advisor:      upgrade.NewAdvisor(catalog),
		grace:        grace,
		retries:      opts.Retries,
		markers:      opts.Markers,
		maxSkew:      opts.MaxEventSkew,
		recorder:     opts.Recorder,
		logger:       opts.Logger.WithField("component", "evaluator"),
		sweepWorkers: opts.SweepWorkers,
		now:          opts.Now,
	}
}

// HasFeature reports whether the license grants the feature
func (e *Evaluator) HasFeature(l *licenses.TenantLicense, feature string) bool {
	return l != nil && l.Features.Has(feature)
}

// IsLicenseValid applies the grace policy
func (e *Evaluator) IsLicenseValid(l *licenses.TenantLicense, now time.Time) bool {
	return e.grace.IsValid(l, now)
}

// EnforcementMode returns how the feature's quota is enforced
func (e *Evaluator) EnforcementMode(feature string) plans.EnforcementMode {
	return e.meter.Mode(feature)
}

// CheckAccess decides whether the caller may use the feature. It never
// consumes quota.
func (e *Evaluator) CheckAccess(ctx context.Context, req AccessRequest, now time.Time) Decision {
	ctx, span := tracer.Start(ctx, "CheckAccess", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("feature", req.Feature),
		attribute.String("role", string(req.Role)),
	))
	defer span.End()

	d := e.checkAccess(ctx, req, now)

	reason := "allowed"
	if !d.Allowed {
		reason = string(d.Reason)
	}
	span.SetAttributes(
		attribute.Bool("allowed", d.Allowed),
		attribute.String("reason", reason),
		attribute.Bool("stale", d.Stale),
	)
	if d.Reason == ReasonStoreUnavailable {
		span.SetStatus(codes.Error, "store unavailable")
	}
	e.recorder.ObserveDecision(reason)
	return d
}

func (e *Evaluator) checkAccess(ctx context.Context, req AccessRequest, now time.Time) Decision {
	log := e.logger.WithFields(map[string]interface{}{
		"tenant_id": req.TenantID,
		"feature":   req.Feature,
	})

	lic, stale, err := e.licenses.Lookup(ctx, req.TenantID)
	switch {
	case errors.Is(err, licenses.ErrLicenseNotFound):
		return Decision{Reason: ReasonLicenseNotFound}
	case err != nil:
		e.storeError(err)
		log.WithError(err).Warn("license unavailable, denying access")
		return Decision{Reason: ReasonStoreUnavailable}
	}

	if !e.grace.IsValid(lic, now) {
		return Decision{Reason: ReasonLicenseExpired, Stale: stale}
	}

	if !lic.Features.Has(req.Feature) {
		s := e.suggest(lic, req.Feature)
		return Decision{Reason: ReasonFeatureNotLicensed, UpgradeRequired: true, Suggestion: &s, Stale: stale}
	}

	if min := e.catalog.MinRole(req.Feature); !req.Role.AtLeast(min) {
		return Decision{Reason: ReasonInsufficientRole, Stale: stale}
	}

	limit, bound := lic.Limit(req.Feature)
	if !bound {
		return Decision{Allowed: true, Stale: stale}
	}

	key := usage.CounterKey{TenantID: req.TenantID, Feature: req.Feature, Period: usage.PeriodOf(now)}
	res, err := e.meter.Check(ctx, key, limit)
	if err != nil {
		e.storeError(err)
		if limit == 0 {
			s := e.suggestQuota(lic, req.Feature, 0, limit)
			return Decision{Reason: ReasonUsageLimitExceeded, UpgradeRequired: true, Suggestion: &s, Stale: stale}
		}
		if e.meter.Mode(req.Feature) == plans.ModeHard {
			log.WithError(err).Warn("counter store unavailable for hard quota, denying access")
			return Decision{Reason: ReasonStoreUnavailable, Stale: stale}
		}
		log.WithError(err).Warn("counter store unavailable for soft quota, allowing access")
		return Decision{Allowed: true, Stale: stale}
	}

	if !res.Allowed {
		s := e.suggestQuota(lic, req.Feature, res.CurrentUsage, limit)
		return Decision{Reason: ReasonUsageLimitExceeded, UpgradeRequired: true, Suggestion: &s, Usage: &res, Stale: stale}
	}
	return Decision{Allowed: true, Usage: &res, Stale: stale}
}

// AdmitUsage validates a usage request and converts it into an event
// stamped with the admission time. The client timestamp only selects the
// period: it may not lie more than the skew window in the future, nor
// before the previous period.
func (e *Evaluator) AdmitUsage(req UsageRequest) (usage.UsageEvent, error) {
	return e.admit(req, e.now())
}

func (e *Evaluator) admit(req UsageRequest, now time.Time) (usage.UsageEvent, error) {
	if req.TenantID == "" || req.Feature == "" {
		return usage.UsageEvent{}, fmt.Errorf("%w: tenant and feature are required", ErrInvalidRequest)
	}
	if req.Value < 0 {
		return usage.UsageEvent{}, fmt.Errorf("%w: usage value must be positive, got %d", ErrInvalidRequest, req.Value)
	}

	ev := req.Event(now)
	ev.ReceivedAt = now.UTC()

	if ev.Timestamp.After(now.Add(e.maxSkew)) {
		return usage.UsageEvent{}, fmt.Errorf("%w: timestamp %s is in the future", ErrInvalidRequest, ev.Timestamp.Format(time.RFC3339))
	}
	previous, err := usage.PreviousPeriod(usage.PeriodOf(now))
	if err != nil {
		return usage.UsageEvent{}, err
	}
	if usage.PeriodOf(ev.Timestamp) < previous {
		return usage.UsageEvent{}, fmt.Errorf("%w: timestamp %s is before period %s", ErrInvalidRequest, ev.Timestamp.Format(time.RFC3339), previous)
	}
	return ev, nil
}

// RecordUsage consumes quota for an actual invocation. License and feature
// checks run first; the increment is the last step. When the counter store
// is unreachable, soft-mode usage is queued for retry and hard-mode usage is
// rejected with StoreUnavailable.
func (e *Evaluator) RecordUsage(ctx context.Context, req UsageRequest) (RecordResult, error) {
	now := e.now()
	ev, err := e.admit(req, now)
	if err != nil {
		return RecordResult{}, err
	}

	ctx, span := tracer.Start(ctx, "RecordUsage", trace.WithAttributes(
		attribute.String("tenant.id", ev.TenantID),
		attribute.String("feature", ev.Feature),
		attribute.Int64("value", ev.Value),
	))
	defer span.End()

	res, err := e.record(ctx, ev, true)
	if err == nil {
		span.SetAttributes(attribute.Bool("accepted", res.Accepted), attribute.Bool("over_limit", res.OverLimit))
		e.recorder.ObserveUsage(outcome(res))
		return res, nil
	}
	if !storage.IsUnavailable(err) {
		span.RecordError(err)
		return RecordResult{}, err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "store unavailable")
	e.storeError(err)

	log := e.logger.WithError(err).WithFields(map[string]interface{}{
		"tenant_id": ev.TenantID,
		"feature":   ev.Feature,
		"value":     ev.Value,
	})

	failed := RecordResult{Reason: ReasonStoreUnavailable, Limit: res.Limit}
	if e.retries == nil || e.meter.Mode(ev.Feature) == plans.ModeHard {
		log.Warn("usage not recorded, store unavailable")
		e.recorder.ObserveUsage(OutcomeFailed)
		return failed, nil
	}
	if qerr := e.retries.Enqueue(ev, now); qerr != nil {
		log.WithField("queue_error", qerr.Error()).Error("usage not recorded, retry queue rejected event")
		e.recorder.ObserveUsage(OutcomeFailed)
		return failed, nil
	}

	e.recorder.SetRetryQueueDepth(e.retries.Len())
	e.recorder.ObserveUsage(OutcomeQueued)
	log.Info("usage queued for retry")
	return RecordResult{Accepted: true, Queued: true, Limit: res.Limit}, nil
}

// ApplyUsage records an event from the retry queue or the aggregator
// buffer. It returns a storage.ErrUnavailable error when the event should
// be retried, and a *RejectedError or *usage.QuotaExceededError when it
// never can be applied.
func (e *Evaluator) ApplyUsage(ctx context.Context, ev usage.UsageEvent) error {
	res, err := e.record(ctx, ev, false)
	if err != nil {
		return err
	}
	switch {
	case res.Accepted:
		return nil
	case res.Reason == ReasonUsageLimitExceeded:
		return &usage.QuotaExceededError{Resource: ev.Feature, Current: res.CurrentUsage, Limit: int64(res.Limit)}
	default:
		return &RejectedError{TenantID: ev.TenantID, Feature: ev.Feature, Reason: res.Reason}
	}
}

// DrainRetries replays queued usage whose backoff has elapsed
func (e *Evaluator) DrainRetries(ctx context.Context) (usage.DrainStats, error) {
	if e.retries == nil {
		return usage.DrainStats{}, nil
	}
	stats, err := e.retries.Drain(ctx, e.now(), e.ApplyUsage)
	e.recorder.SetRetryQueueDepth(e.retries.Len())
	if stats.Failed > 0 {
		e.logger.WithError(err).WithField("failed", stats.Failed).Warn("queued usage dropped after permanent failure")
	}
	return stats, err
}

// FlushRetries replays every queued event once, ignoring backoff. It runs
// at shutdown; whatever is still queued afterwards is reported as lost.
func (e *Evaluator) FlushRetries(ctx context.Context) (usage.DrainStats, error) {
	if e.retries == nil {
		return usage.DrainStats{}, nil
	}
	stats, err := e.retries.Flush(ctx, e.now(), e.ApplyUsage)
	pending := e.retries.Len()
	e.recorder.SetRetryQueueDepth(pending)
	if stats.Failed > 0 {
		e.logger.WithError(err).WithField("failed", stats.Failed).Warn("queued usage dropped after permanent failure")
	}
	if pending > 0 {
		e.logger.WithError(err).WithField("pending", pending).Error("queued usage not applied before shutdown")
	}
	return stats, err
}

// RunRetries drains the retry queue every interval until ctx is done, then
// flushes it once ignoring backoff. entitlementd runs it when the
// aggregator, which otherwise drains the queue, runs in another process.
// Failures are logged by the drain and flush themselves, so RunRetries
// only returns once ctx is done.
func (e *Evaluator) RunRetries(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_, _ = e.FlushRetries(flushCtx)
			return nil
		case <-ticker.C:
			_, _ = e.DrainRetries(ctx)
		}
	}
}

// RetryQueueLen returns the number of queued usage events
func (e *Evaluator) RetryQueueLen() int {
	if e.retries == nil {
		return 0
	}
	return e.retries.Len()
}

// record runs the license, feature and quota checks and increments. The
// license is judged at the event's admission time. Fresh events (intake)
// are refused when they fall in a period the aggregator already reset.
// The returned error is either a storage.ErrUnavailable error or an input
// error from the meter; denials are reported in the result.
func (e *Evaluator) record(ctx context.Context, ev usage.UsageEvent, intake bool) (RecordResult, error) {
	lic, stale, err := e.licenses.Lookup(ctx, ev.TenantID)
	switch {
	case errors.Is(err, licenses.ErrLicenseNotFound):
		return RecordResult{Reason: ReasonLicenseNotFound}, nil
	case err != nil:
		return RecordResult{}, err
	}

	res := RecordResult{Stale: stale}
	if !e.grace.IsValid(lic, ev.AdmittedAt()) {
		res.Reason = ReasonLicenseExpired
		return res, nil
	}
	if !lic.Features.Has(ev.Feature) {
		s := e.suggest(lic, ev.Feature)
		res.Reason = ReasonFeatureNotLicensed
		res.Suggestion = &s
		return res, nil
	}

	limit, bound := lic.Limit(ev.Feature)
	if !bound {
		limit = plans.Unlimited
	}
	res.Limit = limit

	if intake {
		closed, err := e.periodClosed(ctx, ev)
		if err != nil {
			return res, err
		}
		if closed {
			res.Reason = ReasonPeriodClosed
			return res, nil
		}
	}

	inc, err := e.meter.CheckAndIncrement(ctx, ev.Key(), limit, ev.Value)
	if err != nil {
		return res, err
	}

	res.CurrentUsage = inc.CurrentUsage
	res.OverLimit = inc.OverLimit
	res.NearLimit = inc.NearLimit
	res.Accepted = inc.Allowed
	if !inc.Allowed {
		s := e.suggestQuota(lic, ev.Feature, inc.CurrentUsage, limit)
		res.Reason = ReasonUsageLimitExceeded
		res.Suggestion = &s
	}
	return res, nil
}

// periodClosed reports whether the event's period ended and its counter
// was already reset. Only backdated events need the marker lookup.
func (e *Evaluator) periodClosed(ctx context.Context, ev usage.UsageEvent) (bool, error) {
	period := usage.PeriodOf(ev.Timestamp)
	if e.markers == nil || period >= usage.PeriodOf(ev.AdmittedAt()) {
		return false, nil
	}
	last, err := e.markers.LastReset(ctx, ev.TenantID, ev.Feature)
	if err != nil {
		if storage.IsUnavailable(err) {
			return false, err
		}
		return false, storage.Unavailable("counters", "last_reset", err)
	}
	// periods are YYYY-MM so string order is chronological
	return last >= period, nil
}

// GetUsage returns the tenant's counters for a period keyed by feature. An
// empty period selects the current one.
func (e *Evaluator) GetUsage(ctx context.Context, tenantID, period string) (map[string]usage.UsageCounter, error) {
	if period == "" {
		period = usage.PeriodOf(e.now())
	}
	if _, err := usage.ParsePeriod(period); err != nil {
		return nil, err
	}

	counters, err := e.meter.List(ctx, tenantID, period)
	if err != nil {
		e.storeError(err)
		return nil, err
	}
	out := make(map[string]usage.UsageCounter, len(counters))
	for _, c := range counters {
		out[c.Feature] = c
	}
	return out, nil
}

// GetLicense returns the tenant's license, or licenses.ErrLicenseNotFound
func (e *Evaluator) GetLicense(ctx context.Context, tenantID string) (*licenses.TenantLicense, error) {
	l, _, err := e.licenses.Lookup(ctx, tenantID)
	if err != nil && !errors.Is(err, licenses.ErrLicenseNotFound) {
		e.storeError(err)
	}
	return l, err
}

// UpdateLicense validates the license against the catalog and saves it
func (e *Evaluator) UpdateLicense(ctx context.Context, l *licenses.TenantLicense) error {
	if l == nil {
		return fmt.Errorf("%w: license is required", licenses.ErrInvalidLicense)
	}
	if err := licenses.Validate(e.catalog, l); err != nil {
		return err
	}
	now := e.now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if err := e.licenses.SaveLicense(ctx, l); err != nil {
		e.storeError(err)
		return fmt.Errorf("failed to save license for %s: %w", l.TenantID, err)
	}
	return nil
}

// Transition applies a lifecycle event to the tenant's stored license. A
// non-zero validUntil extends the license; renewal and reactivation need
// one unless the stored valid_until is still ahead.
func (e *Evaluator) Transition(ctx context.Context, tenantID string, ev licenses.Event, validUntil time.Time) (*licenses.TenantLicense, error) {
	// read through to the store, never a cached copy
	e.licenses.Invalidate(tenantID)
	l, stale, err := e.licenses.Lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, storage.Unavailable("licenses", "get", errors.New("only a stale copy is available"))
	}

	// the looked-up license may be shared with the cache
	next := *l
	if err := licenses.Apply(&next, ev, validUntil, e.now().UTC()); err != nil {
		return nil, err
	}
	l = &next
	if err := e.licenses.SaveLicense(ctx, l); err != nil {
		e.storeError(err)
		return nil, fmt.Errorf("failed to save license for %s: %w", tenantID, err)
	}

	e.recorder.ObserveTransition(string(ev))
	e.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"event":     string(ev),
		"status":    string(l.Status),
	}).Info("license transitioned")
	return l, nil
}

// SweepLicenses applies the automatic lifecycle transitions: licenses past
// valid_until expire and expired licenses past their grace period are
// suspended. It returns the number of licenses saved.
func (e *Evaluator) SweepLicenses(ctx context.Context, now time.Time) (int, error) {
	all, err := e.licenses.ListLicenses(ctx)
	if err != nil {
		e.storeError(err)
		return 0, fmt.Errorf("failed to list licenses: %w", err)
	}

	type change struct {
		license *licenses.TenantLicense
		event   licenses.Event
	}
	var changed []change
	for _, l := range all {
		ev, ok := licenses.Sweep(l, now.UTC(), e.grace)
		if !ok {
			continue
		}
		changed = append(changed, change{license: l, event: ev})
	}
	if len(changed) == 0 {
		return 0, nil
	}

	errs := async.Batch(ctx, changed, e.sweepWorkers, "license sweep", 5*time.Second, func(ctx context.Context, c change) error {
		if err := e.licenses.SaveLicense(ctx, c.license); err != nil {
			return fmt.Errorf("tenant %s: %w", c.license.TenantID, err)
		}
		e.recorder.ObserveTransition(string(c.event))
		return nil
	})

	saved := len(changed) - len(errs)
	e.logger.WithFields(map[string]interface{}{
		"changed": len(changed),
		"saved":   saved,
	}).Info("license sweep complete")
	return saved, errors.Join(errs...)
}

func (e *Evaluator) suggest(l *licenses.TenantLicense, feature string) upgrade.Suggestion {
	return e.withTarget(l, e.advisor.Suggest(l.Plan, feature))
}

func (e *Evaluator) suggestQuota(l *licenses.TenantLicense, feature string, used int64, limit plans.Limit) upgrade.Suggestion {
	return e.withTarget(l, e.advisor.SuggestQuota(l.Plan, feature, used, limit))
}

// withTarget passes the license's own upgrade target through when set
func (e *Evaluator) withTarget(l *licenses.TenantLicense, s upgrade.Suggestion) upgrade.Suggestion {
	if s.HasUpgradePath && l.UpgradeTarget != "" {
		s.UpgradeTarget = l.UpgradeTarget
	}
	return s
}

func (e *Evaluator) storeError(err error) {
	store := "unknown"
	var uerr *storage.UnavailableError
	if errors.As(err, &uerr) {
		store = uerr.Store
	}
	e.recorder.ObserveStoreError(store)
}

func outcome(res RecordResult) string {
	switch {
	case res.Accepted && res.OverLimit:
		return OutcomeOverLimit
	case res.Accepted:
		return OutcomeAccepted
	default:
		return OutcomeRejected
	}
}

// RejectedError reports usage that can never be applied because the
// tenant's license does not permit it
type RejectedError struct {
	TenantID string
	Feature  string
	Reason   Reason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("usage of %s by %s rejected: %s", e.Feature, e.TenantID, e.Reason)
}
