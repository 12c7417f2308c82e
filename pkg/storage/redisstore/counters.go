package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

// KEYS: counter hash, period index, tenant index
// ARGV: delta, limit, hard, now, ttl seconds, tenant, feature, period
const incrementScript = `
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if ARGV[3] == "1" and limit >= 0 and count + delta > limit then
  return {count, 0}
end
count = redis.call("HINCRBY", KEYS[1], "count", delta)
redis.call("HSET", KEYS[1], "limit", ARGV[2], "updated_at", ARGV[4],
  "tenant", ARGV[6], "feature", ARGV[7], "period", ARGV[8])
redis.call("SADD", KEYS[2], KEYS[1])
redis.call("SADD", KEYS[3], KEYS[1])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
  redis.call("EXPIRE", KEYS[2], ttl)
  redis.call("EXPIRE", KEYS[3], ttl)
end
return {count, 1}
`

const resetScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "count", 0, "updated_at", ARGV[1])
  return 1
end
return 0
`

// Store implements usage.CounterStore, usage.MarkerStore and
// usage.SnapshotSink on Redis
type Store struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	increment *redis.Script
	reset     *redis.Script
	now       func() time.Time
}

// New creates a store. Counter keys expire after retention when it is
// positive.
func New(client *redis.Client, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "entitle"
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		increment: redis.NewScript(incrementScript),
		reset:     redis.NewScript(resetScript),
		now:       time.Now,
	}
}

// key joins parts under the store prefix. Each part is escaped so a ':'
// inside a tenant or feature id cannot shift the boundaries.
func (s *Store) key(kind string, parts ...string) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	b.WriteByte(':')
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(p))
	}
	return b.String()
}

func (s *Store) counterKey(k usage.CounterKey) string {
	return s.key("usage", k.TenantID, k.Feature, k.Period)
}

func (s *Store) periodIndex(period string) string {
	return s.key("usage-period", period)
}

func (s *Store) tenantIndex(tenantID, period string) string {
	return s.key("usage-tenant", tenantID, period)
}

func (s *Store) markerKey(tenantID, feature string) string {
	return s.key("reset-marker", tenantID, feature)
}

func (s *Store) snapshotKey(k usage.CounterKey) string {
	return s.key("snapshot", k.TenantID, k.Feature, k.Period)
}

// Increment implements usage.CounterStore
func (s *Store) Increment(ctx context.Context, key usage.CounterKey, delta int64, limit plans.Limit, hard bool) (int64, bool, error) {
	hardArg := "0"
	if hard {
		hardArg = "1"
	}
	keys := []string{s.counterKey(key), s.periodIndex(key.Period), s.tenantIndex(key.TenantID, key.Period)}
	res, err := s.increment.Run(ctx, s.client, keys,
		delta, int64(limit), hardArg, s.now().UTC().Format(time.RFC3339Nano),
		int64(s.retention/time.Second), key.TenantID, key.Feature, key.Period,
	).Result()
	if err != nil {
		return 0, false, storage.Unavailable("redis", "increment", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, storage.Unavailable("redis", "increment", fmt.Errorf("unexpected script result %v", res))
	}
	count, _ := vals[0].(int64)
	applied, _ := vals[1].(int64)
	return count, applied == 1, nil
}

// Get implements usage.CounterStore
func (s *Store) Get(ctx context.Context, key usage.CounterKey) (usage.UsageCounter, error) {
	fields, err := s.client.HGetAll(ctx, s.counterKey(key)).Result()
	if err != nil {
		return usage.UsageCounter{}, storage.Unavailable("redis", "get counter", err)
	}
	c := usage.UsageCounter{TenantID: key.TenantID, Feature: key.Feature, Period: key.Period}
	if len(fields) == 0 {
		return c, nil
	}
	return decodeCounter(fields, c)
}

// List implements usage.CounterStore
func (s *Store) List(ctx context.Context, tenantID, period string) ([]usage.UsageCounter, error) {
	return s.listIndex(ctx, s.tenantIndex(tenantID, period))
}

// ListPeriod implements usage.CounterStore
func (s *Store) ListPeriod(ctx context.Context, period string) ([]usage.UsageCounter, error) {
	return s.listIndex(ctx, s.periodIndex(period))
}

func (s *Store) listIndex(ctx context.Context, index string) ([]usage.UsageCounter, error) {
	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, storage.Unavailable("redis", "list counters", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, m)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storage.Unavailable("redis", "list counters", err)
	}

	out := make([]usage.UsageCounter, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// expired since it was indexed
			continue
		}
		c, err := decodeCounter(fields, usage.UsageCounter{
			TenantID: fields["tenant"],
			Feature:  fields["feature"],
			Period:   fields["period"],
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortCounters(out)
	return out, nil
}

func sortCounters(cs []usage.UsageCounter) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].TenantID != cs[j].TenantID {
			return cs[i].TenantID < cs[j].TenantID
		}
		return cs[i].Feature < cs[j].Feature
	})
}

func decodeCounter(fields map[string]string, c usage.UsageCounter) (usage.UsageCounter, error) {
	count, err := strconv.ParseInt(fields["count"], 10, 64)
	if err != nil {
		return c, fmt.Errorf("corrupt counter %s: %w", c.Key(), err)
	}
	c.Count = count
	if raw, ok := fields["limit"]; ok {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c, fmt.Errorf("corrupt counter limit %s: %w", c.Key(), err)
		}
		c.Limit = plans.Limit(limit)
	}
	if raw, ok := fields["updated_at"]; ok {
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return c, nil
}

// Reset implements usage.CounterStore
func (s *Store) Reset(ctx context.Context, key usage.CounterKey) error {
	err := s.reset.Run(ctx, s.client, []string{s.counterKey(key)}, s.now().UTC().Format(time.RFC3339Nano)).Err()
	return storage.Unavailable("redis", "reset counter", err)
}

// LastReset implements usage.MarkerStore
func (s *Store) LastReset(ctx context.Context, tenantID, feature string) (string, error) {
	period, err := s.client.Get(ctx, s.markerKey(tenantID, feature)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storage.Unavailable("redis", "get reset marker", err)
	}
	return period, nil
}

// MarkReset implements usage.MarkerStore
func (s *Store) MarkReset(ctx context.Context, tenantID, feature, period string) error {
	err := s.client.Set(ctx, s.markerKey(tenantID, feature), period, 0).Err()
	return storage.Unavailable("redis", "mark reset", err)
}

// SaveSnapshot implements usage.SnapshotSink. The first snapshot of a key wins.
func (s *Store) SaveSnapshot(ctx context.Context, c usage.UsageCounter) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	err = s.client.SetNX(ctx, s.snapshotKey(c.Key()), data, 0).Err()
	return storage.Unavailable("redis", "save snapshot", err)
}

// Snapshot reads a saved snapshot
func (s *Store) Snapshot(ctx context.Context, key usage.CounterKey) (usage.UsageCounter, bool, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return usage.UsageCounter{}, false, nil
	}
	if err != nil {
		return usage.UsageCounter{}, false, storage.Unavailable("redis", "get snapshot", err)
	}
	var c usage.UsageCounter
	if err := json.Unmarshal(data, &c); err != nil {
		return usage.UsageCounter{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return c, true, nil
}
