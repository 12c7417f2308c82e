package licenses

import "context"

// Store persists tenant licenses. Implementations return ErrLicenseNotFound
// for unknown tenants and wrap transport failures with storage.ErrUnavailable.
type Store interface {
	GetLicense(ctx context.Context, tenantID string) (*TenantLicense, error)
	SaveLicense(ctx context.Context, license *TenantLicense) error
	ListLicenses(ctx context.Context) ([]*TenantLicense, error)
}
