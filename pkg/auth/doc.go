// Package auth carries the caller identity resolved by the upstream gateway.
//
// Authentication is not performed here. The gateway forwards the tenant, user
// and role of the caller, and this package exposes them as a Principal along
// with the ordered tenant roles used by feature role gates:
//
//	viewer < developer < admin < owner
//
// Role gates compare with AtLeast:
//
//	if !principal.Role.AtLeast(auth.RoleAdmin) {
//		// deny
//	}
package auth
