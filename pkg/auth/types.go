package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
)

// Role represents tenant-level roles
type Role string

const (
	RoleViewer    Role = "viewer"    // Read-only access
	RoleDeveloper Role = "developer" // Can use and configure features
	RoleAdmin     Role = "admin"     // Full access to the tenant
	RoleOwner     Role = "owner"     // Billing owner of the tenant
)

var roleRank = map[Role]int{
	RoleViewer:    1,
	RoleDeveloper: 2,
	RoleAdmin:     3,
	RoleOwner:     4,
}

// Rank returns the position of the role in the hierarchy, or 0 for unknown roles
func (r Role) Rank() int {
	return roleRank[r]
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// AtLeast reports whether r grants at least the privileges of min.
// An empty min is satisfied by any role, including the empty role.
func (r Role) AtLeast(min Role) bool {
	if min == "" {
		return true
	}
	return r.Valid() && r.Rank() >= min.Rank()
}

// ParseRole parses a role name case-insensitively
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return "", nil
	}
	if !r.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// Principal is the already-authenticated caller. Identity resolution happens
// upstream; this package only carries the result.
type Principal struct {
	TenantID string
	UserID   string
	Role     Role
}

// WithPrincipal stores the principal in the context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextkeys.PrincipalKey, p)
}

// PrincipalFrom returns the principal stored in ctx
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(Principal)
	return p, ok
}
