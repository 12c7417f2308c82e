// Package aggregator runs the background side of usage metering.
//
// On a fixed interval it applies buffered asynchronous usage and drains the
// retry queue. On the boundary schedule (daily at 00:05 UTC by default) it
// closes the previous period: each counter is snapshotted, reset and marked
// with the period it was reset for. The marker makes the rollover
// idempotent, so the daily check is a no-op on every day but the first of a
// period. Periods missed while no instance ran are closed too, oldest
// first, looking back at most CatchUpPeriods. The same job applies
// automatic license transitions.
//
// On shutdown Run flushes the buffer and replays the whole retry queue,
// ignoring backoff.
//
// Boundary jobs take a lock so only one instance runs them.
//
//	agg := aggregator.New(evaluator, counters, aggregator.DefaultConfig(), aggregator.Options{
//		Locker:   redisstore.NewLocker(client, "entitle"),
//		Recorder: metrics,
//		Logger:   logger,
//	})
//	go agg.Run(ctx)
package aggregator
