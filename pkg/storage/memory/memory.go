// Package memory provides in-process license, counter, marker and snapshot
// stores. It is used by tests and by single-instance deployments.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

const shardCount = 64

type counterShard struct {
	mu       sync.Mutex
	counters map[usage.CounterKey]*usage.UsageCounter
}

// Store keeps all state in maps. Counter updates lock a single shard, so
// increments on different keys do not contend.
type Store struct {
	licMu    sync.RWMutex
	licenses map[string]*licenses.TenantLicense

	shards [shardCount]*counterShard

	markerMu sync.Mutex
	markers  map[string]string

	snapMu    sync.Mutex
	snapshots map[usage.CounterKey]usage.UsageCounter

	now func() time.Time
}

// New creates an empty store
func New() *Store {
	s := &Store{
		licenses:  make(map[string]*licenses.TenantLicense),
		markers:   make(map[string]string),
		snapshots: make(map[usage.CounterKey]usage.UsageCounter),
		now:       time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &counterShard{counters: make(map[usage.CounterKey]*usage.UsageCounter)}
	}
	return s
}

func (s *Store) shard(key usage.CounterKey) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return s.shards[h.Sum32()%shardCount]
}

// GetLicense implements licenses.Store
func (s *Store) GetLicense(ctx context.Context, tenantID string) (*licenses.TenantLicense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.licMu.RLock()
	defer s.licMu.RUnlock()

	l, ok := s.licenses[tenantID]
	if !ok {
		return nil, licenses.ErrLicenseNotFound
	}
	return l.Clone(), nil
}

// SaveLicense implements licenses.Store
func (s *Store) SaveLicense(ctx context.Context, license *licenses.TenantLicense) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.licMu.Lock()
	defer s.licMu.Unlock()

	now := s.now()
	stored := license.Clone()
	if existing, ok := s.licenses[license.TenantID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.licenses[license.TenantID] = stored
	return nil
}

// ListLicenses implements licenses.Store
func (s *Store) ListLicenses(ctx context.Context) ([]*licenses.TenantLicense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.licMu.RLock()
	defer s.licMu.RUnlock()

	out := make([]*licenses.TenantLicense, 0, len(s.licenses))
	for _, l := range s.licenses {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// Increment implements usage.CounterStore
func (s *Store) Increment(ctx context.Context, key usage.CounterKey, delta int64, limit plans.Limit, hard bool) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok {
		c = &usage.UsageCounter{TenantID: key.TenantID, Feature: key.Feature, Period: key.Period}
	}
	if hard && !limit.IsUnlimited() && c.Count+delta > int64(limit) {
		return c.Count, false, nil
	}
	c.Count += delta
	c.Limit = limit
	c.UpdatedAt = s.now()
	sh.counters[key] = c
	return c.Count, true, nil
}

// Get implements usage.CounterStore
func (s *Store) Get(ctx context.Context, key usage.CounterKey) (usage.UsageCounter, error) {
	if err := ctx.Err(); err != nil {
		return usage.UsageCounter{}, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if c, ok := sh.counters[key]; ok {
		return *c, nil
	}
	return usage.UsageCounter{TenantID: key.TenantID, Feature: key.Feature, Period: key.Period}, nil
}

// List implements usage.CounterStore
func (s *Store) List(ctx context.Context, tenantID, period string) ([]usage.UsageCounter, error) {
	return s.collect(ctx, func(k usage.CounterKey) bool {
		return k.TenantID == tenantID && k.Period == period
	})
}

// ListPeriod implements usage.CounterStore
func (s *Store) ListPeriod(ctx context.Context, period string) ([]usage.UsageCounter, error) {
	return s.collect(ctx, func(k usage.CounterKey) bool {
		return k.Period == period
	})
}

func (s *Store) collect(ctx context.Context, match func(usage.CounterKey) bool) ([]usage.UsageCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []usage.UsageCounter
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, c := range sh.counters {
			if match(k) {
				out = append(out, *c)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Feature < out[j].Feature
	})
	return out, nil
}

// Reset implements usage.CounterStore
func (s *Store) Reset(ctx context.Context, key usage.CounterKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if c, ok := sh.counters[key]; ok {
		c.Count = 0
		c.UpdatedAt = s.now()
	}
	return nil
}

// LastReset implements usage.MarkerStore
func (s *Store) LastReset(ctx context.Context, tenantID, feature string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.markerMu.Lock()
	defer s.markerMu.Unlock()
	return s.markers[tenantID+"/"+feature], nil
}

// MarkReset implements usage.MarkerStore
func (s *Store) MarkReset(ctx context.Context, tenantID, feature, period string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.markerMu.Lock()
	defer s.markerMu.Unlock()
	s.markers[tenantID+"/"+feature] = period
	return nil
}

// SaveSnapshot implements usage.SnapshotSink
func (s *Store) SaveSnapshot(ctx context.Context, counter usage.UsageCounter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if _, ok := s.snapshots[counter.Key()]; !ok {
		s.snapshots[counter.Key()] = counter
	}
	return nil
}

// Snapshot returns a saved snapshot
func (s *Store) Snapshot(key usage.CounterKey) (usage.UsageCounter, bool) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	c, ok := s.snapshots[key]
	return c, ok
}
