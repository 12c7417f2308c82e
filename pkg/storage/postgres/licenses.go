package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/tollgate/pkg/licenses"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// LicenseStore implements licenses.Store on the tenant_licenses table
type LicenseStore struct {
	conn *ConnectionManager
}

// NewLicenseStore creates a license store
func NewLicenseStore(conn *ConnectionManager) *LicenseStore {
	return &LicenseStore{conn: conn}
}

const licenseColumns = `tenant_id, plan, features, limits, status, valid_until,
	grace_period_days, upgrade_target, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*licenses.TenantLicense, error) {
	var (
		l         licenses.TenantLicense
		features  pq.StringArray
		limitsRaw []byte
		grace     sql.NullInt32
	)
	err := row.Scan(&l.TenantID, &l.Plan, &features, &limitsRaw, &l.Status, &l.ValidUntil,
		&grace, &l.UpgradeTarget, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	l.Features = licenses.NewFeatureSet(features...)
	if len(limitsRaw) > 0 {
		if err := json.Unmarshal(limitsRaw, &l.Limits); err != nil {
			return nil, fmt.Errorf("failed to decode limits for %s: %w", l.TenantID, err)
		}
	}
	if grace.Valid {
		days := int(grace.Int32)
		l.GracePeriodDays = &days
	}
	return &l, nil
}

// GetLicense reads from the primary so a read after a write sees it
func (s *LicenseStore) GetLicense(ctx context.Context, tenantID string) (*licenses.TenantLicense, error) {
	query := `SELECT ` + licenseColumns + ` FROM tenant_licenses WHERE tenant_id = $1`

	l, err := scanLicense(s.conn.Primary().QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, licenses.ErrLicenseNotFound
	}
	if err != nil {
		return nil, storage.Unavailable("postgres", "get license", err)
	}
	return l, nil
}

// SaveLicense upserts the license row
func (s *LicenseStore) SaveLicense(ctx context.Context, l *licenses.TenantLicense) error {
	limits := l.Limits
	if limits == nil {
		limits = map[string]plans.Limit{}
	}
	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("failed to encode limits: %w", err)
	}

	var grace sql.NullInt32
	if l.GracePeriodDays != nil {
		grace = sql.NullInt32{Int32: int32(*l.GracePeriodDays), Valid: true}
	}

	query := `
		INSERT INTO tenant_licenses (tenant_id, plan, features, limits, status, valid_until,
			grace_period_days, upgrade_target, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			features = EXCLUDED.features,
			limits = EXCLUDED.limits,
			status = EXCLUDED.status,
			valid_until = EXCLUDED.valid_until,
			grace_period_days = EXCLUDED.grace_period_days,
			upgrade_target = EXCLUDED.upgrade_target,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err = s.conn.Primary().QueryRowContext(ctx, query,
		l.TenantID,
		string(l.Plan),
		pq.Array(l.Features.Codes()),
		limitsJSON,
		string(l.Status),
		l.ValidUntil,
		grace,
		l.UpgradeTarget,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return storage.Unavailable("postgres", "save license", err)
	}
	return nil
}

// ListLicenses reads every license from a replica
func (s *LicenseStore) ListLicenses(ctx context.Context) ([]*licenses.TenantLicense, error) {
	query := `SELECT ` + licenseColumns + ` FROM tenant_licenses ORDER BY tenant_id`

	rows, err := s.conn.Replica().QueryContext(ctx, query)
	if err != nil {
		return nil, storage.Unavailable("postgres", "list licenses", err)
	}
	defer rows.Close()

	var out []*licenses.TenantLicense
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, storage.Unavailable("postgres", "list licenses", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("postgres", "list licenses", err)
	}
	return out, nil
}
