// Package plans defines the static plan catalog: ordered tiers, the features
// each tier grants, default per-period quotas and per-feature enforcement.
//
// # Tiers
//
//	basic < professional < enterprise < platform
//
// # Limits
//
// A Limit of 0 means the feature cannot be used. Unlimited (-1) removes the
// cap. Catalog files may spell it "unlimited".
//
// # Loading
//
//	catalog, err := plans.LoadCatalog("/etc/tollgate/plans.yaml")
//	if err != nil {
//		return err
//	}
//	limits := catalog.DefaultLimits(plans.TierProfessional)
//
// The catalog is configuration. Nothing in this module edits it at runtime.
package plans
