package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

// Job names reported to the Recorder
const (
	JobFlush    = "flush"
	JobRollover = "rollover"
	JobSweep    = "sweep"
)

// Buffered event results reported to the Recorder
const (
	BufferedAccepted  = "buffered"
	BufferedDuplicate = "duplicate"
	BufferedDropped   = "dropped"
)

// Applier records usage and runs license maintenance.
// *entitlements.Evaluator implements it.
type Applier interface {
	ApplyUsage(ctx context.Context, ev usage.UsageEvent) error
	DrainRetries(ctx context.Context) (usage.DrainStats, error)
	FlushRetries(ctx context.Context) (usage.DrainStats, error)
	SweepLicenses(ctx context.Context, now time.Time) (int, error)
}

// RolloverStore is a counter store that also keeps reset markers and
// closed-period snapshots
type RolloverStore interface {
	usage.CounterStore
	usage.MarkerStore
	usage.SnapshotSink
}

// Locker serializes boundary jobs across instances. *redisstore.Locker
// implements it; LocalLocker serves single-instance deployments.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, token string) error
}

// Recorder receives aggregator outcomes. *observability.Metrics implements it.
type Recorder interface {
	ObserveBufferedEvents(result string, n int)
	ObserveAggregatorRun(job string, err error, d time.Duration)
	AddCountersReset(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBufferedEvents(string, int)                 {}
func (nopRecorder) ObserveAggregatorRun(string, error, time.Duration) {}
func (nopRecorder) AddCountersReset(int)                              {}

// Config configures an Aggregator
type Config struct {
	// FlushInterval is how often buffered and queued usage is applied
	FlushInterval time.Duration
	// BoundarySchedule is a five-field cron expression evaluated in UTC
	BoundarySchedule string
	// Workers bounds concurrent counter rollovers
	Workers int
	// LockTTL bounds how long one instance holds a boundary job
	LockTTL time.Duration
	// MaxBuckets and MaxIdempotencyKeys bound the event buffer
	MaxBuckets         int
	MaxIdempotencyKeys int
	// CatchUpPeriods bounds how many closed periods one rollover looks
	// back through for counters a missed run left behind
	CatchUpPeriods int
}

// DefaultConfig returns a five minute flush and a daily boundary check at
// 00:05 UTC
func DefaultConfig() Config {
	return Config{
		FlushInterval:    5 * time.Minute,
		BoundarySchedule: "5 0 * * *",
		Workers:          8,
		LockTTL:          10 * time.Minute,
		CatchUpPeriods:   12,
	}
}

// Options carries optional collaborators. Zero values select defaults.
type Options struct {
	Locker   Locker
	Recorder Recorder
	Logger   *observability.Logger
	Now      func() time.Time
}

// Aggregator buffers asynchronous usage, flushes it on an interval and
// rolls counters over at period boundaries
type Aggregator struct {
	applier  Applier
	store    RolloverStore
	locker   Locker
	buffer   *Buffer
	recorder Recorder
	logger   *observability.Logger
	cfg      Config
	now      func() time.Time
}

// FlushStats summarizes one flush
type FlushStats struct {
	Applied  int
	Requeued int
	Rejected int
	Retries  usage.DrainStats
}

// RolloverStats summarizes one boundary rollover
type RolloverStats struct {
	// Period is the period that just closed
	Period string
	// Periods lists every period that had counters, oldest first. Earlier
	// entries are periods a missed run left open.
	Periods  []string
	Counters int
	Reset    int
	Skipped  int
	// Locked is set when another instance held the rollover lock
	Locked bool
}

// New creates an aggregator
func New(applier Applier, store RolloverStore, cfg Config, opts Options) *Aggregator {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BoundarySchedule == "" {
		cfg.BoundarySchedule = def.BoundarySchedule
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.CatchUpPeriods <= 0 {
		cfg.CatchUpPeriods = def.CatchUpPeriods
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		applier:  applier,
		store:    store,
		locker:   opts.Locker,
		buffer:   NewBuffer(cfg.MaxBuckets, cfg.MaxIdempotencyKeys),
		recorder: opts.Recorder,
		logger:   opts.Logger.WithField("component", "aggregator"),
		cfg:      cfg,
		now:      opts.Now,
	}
}

// Submit buffers an event for the next flush. Duplicates within the
// current window return ErrDuplicateEvent.
func (a *Aggregator) Submit(ev usage.UsageEvent) error {
	err := a.buffer.Add(ev)
	switch {
	case err == nil:
		a.recorder.ObserveBufferedEvents(BufferedAccepted, 1)
	case errors.Is(err, ErrDuplicateEvent):
		a.recorder.ObserveBufferedEvents(BufferedDuplicate, 1)
	default:
		a.recorder.ObserveBufferedEvents(BufferedDropped, 1)
	}
	return err
}

// Pending returns the number of buffered counters
func (a *Aggregator) Pending() int {
	return a.buffer.Len()
}

// Flush applies buffered usage and drains the retry queue. Events that hit
// an unavailable store go back into the buffer; events the license no
// longer permits are dropped.
func (a *Aggregator) Flush(ctx context.Context) (FlushStats, error) {
	var (
		stats    FlushStats
		requeue  []usage.UsageEvent
		rejected []error
	)

	events := a.buffer.Drain()
	for i, ev := range events {
		if ctx.Err() != nil {
			requeue = append(requeue, events[i:]...)
			break
		}
		err := a.applier.ApplyUsage(ctx, ev)
		switch {
		case err == nil:
			stats.Applied++
		case storage.IsUnavailable(err):
			requeue = append(requeue, ev)
		default:
			stats.Rejected++
			rejected = append(rejected, err)
		}
	}
	if len(requeue) > 0 {
		a.buffer.requeue(requeue)
		stats.Requeued = len(requeue)
	}
	if stats.Rejected > 0 {
		a.recorder.ObserveBufferedEvents(BufferedDropped, stats.Rejected)
		a.logger.WithError(errors.Join(rejected...)).WithField("rejected", stats.Rejected).Warn("buffered usage rejected")
	}

	retries, err := a.applier.DrainRetries(ctx)
	stats.Retries = retries
	if err != nil && !storage.IsUnavailable(err) {
		// permanent retry failures are already logged by the applier
		err = nil
	}
	if stats.Requeued > 0 && err == nil {
		err = storage.Unavailable("counters", "flush", fmt.Errorf("%d buffered counters requeued", stats.Requeued))
	}
	return stats, err
}

// Rollover closes the period before now: every counter of that period is
// snapshotted, reset and marked. A counter already marked for the period
// is skipped, so repeated runs are no-ops. Older periods left open by a
// missed run are closed first, oldest to newest, so markers only move
// forward.
func (a *Aggregator) Rollover(ctx context.Context, now time.Time) (RolloverStats, error) {
	previous, err := usage.PreviousPeriod(usage.PeriodOf(now))
	if err != nil {
		return RolloverStats{}, err
	}
	stats := RolloverStats{Period: previous}

	lockName := "rollover:" + previous
	token, ok, err := a.locker.TryLock(ctx, lockName, a.cfg.LockTTL)
	if err != nil {
		return stats, fmt.Errorf("failed to acquire rollover lock: %w", err)
	}
	if !ok {
		stats.Locked = true
		return stats, nil
	}
	defer func() {
		if rerr := a.locker.Release(context.WithoutCancel(ctx), lockName, token); rerr != nil {
			a.logger.WithError(rerr).Warn("failed to release rollover lock")
		}
	}()

	open, err := a.openPeriods(ctx, previous)
	if err != nil {
		return stats, err
	}

	for _, p := range open {
		stats.Periods = append(stats.Periods, p.period)
		stats.Counters += len(p.counters)
		reset, skipped, err := a.rolloverPeriod(ctx, p.counters)
		stats.Reset += reset
		stats.Skipped += skipped
		if err != nil {
			a.recorder.AddCountersReset(stats.Reset)
			return stats, err
		}
	}
	if len(open) > 1 {
		a.logger.WithField("periods", stats.Periods).Warn("closed periods left open by a missed rollover")
	}

	a.recorder.AddCountersReset(stats.Reset)
	return stats, nil
}

type periodCounters struct {
	period   string
	counters []usage.UsageCounter
}

// openPeriods walks back from newest and returns the periods with
// counters, oldest first. The walk stops at the first period already fully
// rolled over, since every run before it closed the older ones, or after
// CatchUpPeriods periods.
func (a *Aggregator) openPeriods(ctx context.Context, newest string) ([]periodCounters, error) {
	var out []periodCounters
	period := newest
	for i := 0; i < a.cfg.CatchUpPeriods; i++ {
		counters, err := a.store.ListPeriod(ctx, period)
		if err != nil {
			return nil, fmt.Errorf("failed to list counters for %s: %w", period, err)
		}
		if len(counters) > 0 {
			out = append(out, periodCounters{period: period, counters: counters})
			done, err := a.rolledOver(ctx, counters)
			if err != nil {
				return nil, err
			}
			if done {
				break
			}
		}
		if period, err = usage.PreviousPeriod(period); err != nil {
			return nil, err
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// rolledOver reports whether every counter is already marked for its period
func (a *Aggregator) rolledOver(ctx context.Context, counters []usage.UsageCounter) (bool, error) {
	for _, c := range counters {
		last, err := a.store.LastReset(ctx, c.TenantID, c.Feature)
		if err != nil {
			return false, err
		}
		if last < c.Period {
			return false, nil
		}
	}
	return true, nil
}

func (a *Aggregator) rolloverPeriod(ctx context.Context, counters []usage.UsageCounter) (int, int, error) {
	var reset, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for _, c := range counters {
		c := c
		g.Go(func() error {
			done, err := a.rollover(gctx, c)
			if err != nil {
				return fmt.Errorf("rollover %s: %w", c.Key(), err)
			}
			if done {
				reset.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(reset.Load()), int(skipped.Load()), err
}

func (a *Aggregator) rollover(ctx context.Context, c usage.UsageCounter) (bool, error) {
	last, err := a.store.LastReset(ctx, c.TenantID, c.Feature)
	if err != nil {
		return false, err
	}
	// periods are YYYY-MM so string order is chronological
	if last >= c.Period {
		return false, nil
	}
	if err := a.store.SaveSnapshot(ctx, c); err != nil {
		return false, err
	}
	if err := a.store.Reset(ctx, c.Key()); err != nil {
		return false, err
	}
	if err := a.store.MarkReset(ctx, c.TenantID, c.Feature, c.Period); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep applies automatic license transitions under the sweep lock
func (a *Aggregator) Sweep(ctx context.Context, now time.Time) (int, error) {
	token, ok, err := a.locker.TryLock(ctx, "sweep", a.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		if rerr := a.locker.Release(context.WithoutCancel(ctx), "sweep", token); rerr != nil {
			a.logger.WithError(rerr).Warn("failed to release sweep lock")
		}
	}()
	return a.applier.SweepLicenses(ctx, now)
}

// RunFlush runs one flush and records it
func (a *Aggregator) RunFlush(ctx context.Context) {
	start := time.Now()
	stats, err := a.Flush(ctx)
	a.recorder.ObserveAggregatorRun(JobFlush, err, time.Since(start))

	log := a.logger.WithFields(map[string]interface{}{
		"applied":  stats.Applied,
		"requeued": stats.Requeued,
		"rejected": stats.Rejected,
		"retried":  stats.Retries.Applied,
	})
	if err != nil {
		log.WithError(err).Warn("usage flush incomplete")
		return
	}
	log.Debug("usage flushed")
}

// RunBoundary flushes, then rolls over the previous period and sweeps
// licenses
func (a *Aggregator) RunBoundary(ctx context.Context) {
	a.RunFlush(ctx)

	now := a.now().UTC()

	start := time.Now()
	stats, err := a.Rollover(ctx, now)
	a.recorder.ObserveAggregatorRun(JobRollover, err, time.Since(start))
	log := a.logger.WithFields(map[string]interface{}{
		"period":   stats.Period,
		"periods":  stats.Periods,
		"counters": stats.Counters,
		"reset":    stats.Reset,
		"skipped":  stats.Skipped,
		"locked":   stats.Locked,
	})
	if err != nil {
		log.WithError(err).Error("period rollover failed")
	} else {
		log.Info("period rollover complete")
	}

	start = time.Now()
	changed, err := a.Sweep(ctx, now)
	a.recorder.ObserveAggregatorRun(JobSweep, err, time.Since(start))
	if err != nil {
		a.logger.WithError(err).WithField("changed", changed).Error("license sweep failed")
	}
}
