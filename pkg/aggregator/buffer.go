package aggregator

import (
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/usage"
)

const (
	// DefaultMaxBuckets caps distinct (tenant, feature, period) buckets held
	// between flushes
	DefaultMaxBuckets = 50000
	// DefaultMaxIdempotencyKeys bounds the dedup state of one window
	DefaultMaxIdempotencyKeys = 100000
)

var (
	ErrDuplicateEvent = errors.New("duplicate usage event (idempotency key already seen)")
	ErrBufferFull     = errors.New("usage buffer full")
)

type bucket struct {
	value    int64
	last     time.Time
	received time.Time
}

// Buffer sums usage events per counter between flushes. Events carrying an
// idempotency key already seen in the current window are rejected.
type Buffer struct {
	mu         sync.Mutex
	buckets    map[usage.CounterKey]*bucket
	seen       map[string]struct{}
	maxBuckets int
	maxKeys    int
}

// NewBuffer creates a buffer. Non-positive limits select the defaults.
func NewBuffer(maxBuckets, maxKeys int) *Buffer {
	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxBuckets
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxIdempotencyKeys
	}
	return &Buffer{
		buckets:    make(map[usage.CounterKey]*bucket),
		seen:       make(map[string]struct{}),
		maxBuckets: maxBuckets,
		maxKeys:    maxKeys,
	}
}

// Add buffers one event
func (b *Buffer) Add(ev usage.UsageEvent) error {
	if ev.Value <= 0 {
		return usage.ErrInvalidDelta
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.IdempotencyKey != "" {
		if _, ok := b.seen[ev.IdempotencyKey]; ok {
			return ErrDuplicateEvent
		}
		if len(b.seen) >= b.maxKeys {
			return ErrBufferFull
		}
	}

	if err := b.merge(ev, true); err != nil {
		return err
	}
	if ev.IdempotencyKey != "" {
		b.seen[ev.IdempotencyKey] = struct{}{}
	}
	return nil
}

// requeue puts flushed events back without touching the dedup window. It
// ignores the bucket cap so usage already accepted is never dropped.
func (b *Buffer) requeue(events []usage.UsageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		_ = b.merge(ev, false)
	}
}

func (b *Buffer) merge(ev usage.UsageEvent, capped bool) error {
	key := ev.Key()
	bk, ok := b.buckets[key]
	if !ok {
		if capped && len(b.buckets) >= b.maxBuckets {
			return ErrBufferFull
		}
		bk = &bucket{}
		b.buckets[key] = bk
	}
	bk.value += ev.Value
	if ev.Timestamp.After(bk.last) {
		bk.last = ev.Timestamp
	}
	if ev.ReceivedAt.After(bk.received) {
		bk.received = ev.ReceivedAt
	}
	return nil
}

// Drain returns one summed event per counter and starts a new window
func (b *Buffer) Drain() []usage.UsageEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]usage.UsageEvent, 0, len(b.buckets))
	for key, bk := range b.buckets {
		out = append(out, usage.UsageEvent{
			TenantID:   key.TenantID,
			Feature:    key.Feature,
			Value:      bk.value,
			Timestamp:  bk.last,
			ReceivedAt: bk.received,
		})
	}
	b.buckets = make(map[usage.CounterKey]*bucket)
	b.seen = make(map[string]struct{})
	return out
}

// Len returns the number of buffered counters
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}
