package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/usage"
)

// CounterStore implements usage.CounterStore, usage.MarkerStore and
// usage.SnapshotSink on PostgreSQL
type CounterStore struct {
	conn *ConnectionManager
}

// NewCounterStore creates a counter store
func NewCounterStore(conn *ConnectionManager) *CounterStore {
	return &CounterStore{conn: conn}
}

// incrementQuery adds $4 to the counter. When $6 (hard) is set and the
// limit $5 is not unlimited, the insert or update only happens if the new
// count stays within the limit; otherwise no row is returned. The row lock
// taken by ON CONFLICT DO UPDATE serializes racing increments on a key.
const incrementQuery = `
	INSERT INTO usage_counters (tenant_id, feature, period, count, usage_limit, updated_at)
	SELECT $1, $2, $3, $4::bigint, $5::bigint, NOW()
	WHERE NOT $6::boolean OR $5::bigint < 0 OR $4::bigint <= $5::bigint
	ON CONFLICT (tenant_id, feature, period) DO UPDATE SET
		count = usage_counters.count + EXCLUDED.count,
		usage_limit = EXCLUDED.usage_limit,
		updated_at = EXCLUDED.updated_at
	WHERE NOT $6::boolean OR EXCLUDED.usage_limit < 0
		OR usage_counters.count + EXCLUDED.count <= EXCLUDED.usage_limit
	RETURNING count
`

// Increment implements usage.CounterStore
func (s *CounterStore) Increment(ctx context.Context, key usage.CounterKey, delta int64, limit plans.Limit, hard bool) (int64, bool, error) {
	var count int64
	err := s.conn.Primary().QueryRowContext(ctx, incrementQuery,
		key.TenantID, key.Feature, key.Period, delta, int64(limit), hard,
	).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, storage.Unavailable("postgres", "increment", err)
	}

	// refused: report the current value from the primary
	counter, err := s.get(ctx, s.conn.Primary(), key)
	if err != nil {
		return 0, false, err
	}
	return counter.Count, false, nil
}

// Get implements usage.CounterStore
func (s *CounterStore) Get(ctx context.Context, key usage.CounterKey) (usage.UsageCounter, error) {
	return s.get(ctx, s.conn.Primary(), key)
}

func (s *CounterStore) get(ctx context.Context, db *sql.DB, key usage.CounterKey) (usage.UsageCounter, error) {
	c := usage.UsageCounter{TenantID: key.TenantID, Feature: key.Feature, Period: key.Period}
	var limit int64
	err := db.QueryRowContext(ctx, `
		SELECT count, usage_limit, updated_at FROM usage_counters
		WHERE tenant_id = $1 AND feature = $2 AND period = $3
	`, key.TenantID, key.Feature, key.Period).Scan(&c.Count, &limit, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return usage.UsageCounter{}, storage.Unavailable("postgres", "get counter", err)
	}
	c.Limit = plans.Limit(limit)
	return c, nil
}

// List implements usage.CounterStore
func (s *CounterStore) List(ctx context.Context, tenantID, period string) ([]usage.UsageCounter, error) {
	return s.query(ctx, s.conn.Replica(), `
		SELECT tenant_id, feature, period, count, usage_limit, updated_at FROM usage_counters
		WHERE tenant_id = $1 AND period = $2
		ORDER BY feature
	`, tenantID, period)
}

// ListPeriod implements usage.CounterStore. It reads the primary since
// rollover snapshots must see every committed increment.
func (s *CounterStore) ListPeriod(ctx context.Context, period string) ([]usage.UsageCounter, error) {
	return s.query(ctx, s.conn.Primary(), `
		SELECT tenant_id, feature, period, count, usage_limit, updated_at FROM usage_counters
		WHERE period = $1
		ORDER BY tenant_id, feature
	`, period)
}

func (s *CounterStore) query(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]usage.UsageCounter, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Unavailable("postgres", "list counters", err)
	}
	defer rows.Close()

	var out []usage.UsageCounter
	for rows.Next() {
		var (
			c     usage.UsageCounter
			limit int64
		)
		if err := rows.Scan(&c.TenantID, &c.Feature, &c.Period, &c.Count, &limit, &c.UpdatedAt); err != nil {
			return nil, storage.Unavailable("postgres", "list counters", err)
		}
		c.Limit = plans.Limit(limit)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("postgres", "list counters", err)
	}
	return out, nil
}

// Reset implements usage.CounterStore
func (s *CounterStore) Reset(ctx context.Context, key usage.CounterKey) error {
	_, err := s.conn.Primary().ExecContext(ctx, `
		UPDATE usage_counters SET count = 0, updated_at = NOW()
		WHERE tenant_id = $1 AND feature = $2 AND period = $3
	`, key.TenantID, key.Feature, key.Period)
	return storage.Unavailable("postgres", "reset counter", err)
}

// LastReset implements usage.MarkerStore
func (s *CounterStore) LastReset(ctx context.Context, tenantID, feature string) (string, error) {
	var period string
	err := s.conn.Primary().QueryRowContext(ctx, `
		SELECT period FROM usage_reset_markers WHERE tenant_id = $1 AND feature = $2
	`, tenantID, feature).Scan(&period)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storage.Unavailable("postgres", "get reset marker", err)
	}
	return period, nil
}

// MarkReset implements usage.MarkerStore
func (s *CounterStore) MarkReset(ctx context.Context, tenantID, feature, period string) error {
	_, err := s.conn.Primary().ExecContext(ctx, `
		INSERT INTO usage_reset_markers (tenant_id, feature, period, reset_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, feature) DO UPDATE SET period = EXCLUDED.period, reset_at = NOW()
	`, tenantID, feature, period)
	return storage.Unavailable("postgres", "mark reset", err)
}

// SaveSnapshot implements usage.SnapshotSink. The first snapshot of a key wins.
func (s *CounterStore) SaveSnapshot(ctx context.Context, c usage.UsageCounter) error {
	_, err := s.conn.Primary().ExecContext(ctx, `
		INSERT INTO usage_snapshots (tenant_id, feature, period, count, usage_limit, captured_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, feature, period) DO NOTHING
	`, c.TenantID, c.Feature, c.Period, c.Count, int64(c.Limit))
	return storage.Unavailable("postgres", "save snapshot", err)
}
