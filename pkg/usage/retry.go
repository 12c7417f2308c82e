package usage

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

// ErrQueueFull is returned when the retry queue is at capacity
var ErrQueueFull = errors.New("usage retry queue full")

// RetryConfig configures retry behavior
type RetryConfig struct {
	Capacity          int           `json:"capacity"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Capacity:          10000,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// NextRetryDelay calculates the delay before the next attempt
func (c RetryConfig) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return c.InitialDelay
	}

	// delay = initialDelay * (multiplier ^ (attempts - 1))
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempts-1))
	if delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

type pendingEvent struct {
	event     UsageEvent
	attempts  int
	nextRetry time.Time
}

// RetryQueue holds usage events whose recording failed because a store was
// unavailable. Events are retried with exponential backoff until they apply
// or fail permanently; they are never dropped for being retried too often.
type RetryQueue struct {
	config RetryConfig

	mu      sync.Mutex
	pending []*pendingEvent
}

// DrainStats summarizes one Drain pass
type DrainStats struct {
	Applied  int
	Retried  int
	Failed   int
	Deferred int
}

// ApplyFunc records one event. Errors matching storage.ErrUnavailable are
// retried; any other error is treated as permanent.
type ApplyFunc func(ctx context.Context, event UsageEvent) error

// NewRetryQueue creates a queue, filling unset config with defaults
func NewRetryQueue(config RetryConfig) *RetryQueue {
	def := DefaultRetryConfig()
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &RetryQueue{config: config}
}

// Enqueue adds an event for a later attempt
func (q *RetryQueue) Enqueue(event UsageEvent, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.config.Capacity {
		return ErrQueueFull
	}
	q.pending = append(q.pending, &pendingEvent{
		event:     event,
		attempts:  1,
		nextRetry: now.Add(q.config.NextRetryDelay(1)),
	})
	return nil
}

// Len returns the number of queued events
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain attempts every event due at now. Events still failing with an
// unavailable store are requeued with a longer delay. Drain stops early
// when ctx is done, keeping the remaining events.
func (q *RetryQueue) Drain(ctx context.Context, now time.Time, apply ApplyFunc) (DrainStats, error) {
	return q.drain(ctx, now, false, apply)
}

// Flush attempts every queued event once, ignoring backoff. It is used at
// shutdown; events that still fail stay queued.
func (q *RetryQueue) Flush(ctx context.Context, now time.Time, apply ApplyFunc) (DrainStats, error) {
	return q.drain(ctx, now, true, apply)
}

func (q *RetryQueue) drain(ctx context.Context, now time.Time, force bool, apply ApplyFunc) (DrainStats, error) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var (
		stats DrainStats
		keep  []*pendingEvent
		first error
	)
	for i, p := range batch {
		if ctx.Err() != nil {
			keep = append(keep, batch[i:]...)
			stats.Deferred += len(batch) - i
			break
		}
		if !force && now.Before(p.nextRetry) {
			keep = append(keep, p)
			stats.Deferred++
			continue
		}

		err := apply(ctx, p.event)
		switch {
		case err == nil:
			stats.Applied++
		case storage.IsUnavailable(err):
			p.attempts++
			p.nextRetry = now.Add(q.config.NextRetryDelay(p.attempts))
			keep = append(keep, p)
			stats.Retried++
		default:
			stats.Failed++
			if first == nil {
				first = err
			}
		}
	}

	q.mu.Lock()
	q.pending = append(keep, q.pending...)
	q.mu.Unlock()

	return stats, first
}
