package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Run schedules the flush and boundary jobs and blocks until ctx is done.
// Running jobs are allowed to finish, then a final flush applies whatever
// is still buffered or queued for retry, ignoring retry backoff.
func (a *Aggregator) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", a.cfg.FlushInterval), func() {
		a.RunFlush(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule flush: %w", err)
	}
	if _, err := c.AddFunc(a.cfg.BoundarySchedule, func() {
		a.RunBoundary(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule boundary job %q: %w", a.cfg.BoundarySchedule, err)
	}

	c.Start()
	a.logger.WithFields(map[string]interface{}{
		"flush_interval":    a.cfg.FlushInterval.String(),
		"boundary_schedule": a.cfg.BoundarySchedule,
	}).Info("aggregator started")

	<-ctx.Done()

	a.logger.Info("aggregator stopping")
	<-c.Stop().Done()

	// the run context is gone; give the final flush its own deadline
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	a.RunFlush(flushCtx)

	// replay queued usage regardless of backoff
	if stats, err := a.applier.FlushRetries(flushCtx); err != nil {
		a.logger.WithError(err).WithField("applied", stats.Applied).Warn("final retry flush incomplete")
	}

	a.logger.Info("aggregator stopped")
	return nil
}

// ValidateSchedule reports whether spec is a valid five-field cron
// expression
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return nil
}
