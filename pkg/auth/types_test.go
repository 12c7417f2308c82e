package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_Rank(t *testing.T) {
	assert.Less(t, RoleViewer.Rank(), RoleDeveloper.Rank())
	assert.Less(t, RoleDeveloper.Rank(), RoleAdmin.Rank())
	assert.Less(t, RoleAdmin.Rank(), RoleOwner.Rank())
	assert.Equal(t, 0, Role("superuser").Rank())
	assert.False(t, Role("").Valid())
}

func TestRole_AtLeast(t *testing.T) {
	tests := []struct {
		name string
		role Role
		min  Role
		want bool
	}{
		{name: "same role", role: RoleAdmin, min: RoleAdmin, want: true},
		{name: "higher role", role: RoleOwner, min: RoleDeveloper, want: true},
		{name: "lower role", role: RoleViewer, min: RoleAdmin, want: false},
		{name: "no gate", role: RoleViewer, min: "", want: true},
		{name: "no gate and no role", role: "", min: "", want: true},
		{name: "missing role", role: "", min: RoleViewer, want: false},
		{name: "unknown role", role: Role("root"), min: RoleViewer, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.role.AtLeast(tt.min))
		})
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "viewer", want: RoleViewer},
		{in: " Admin ", want: RoleAdmin},
		{in: "OWNER", want: RoleOwner},
		{in: "", want: ""},
		{in: "member", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown role")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	p := Principal{TenantID: "acme", UserID: "u-1", Role: RoleDeveloper}
	got, ok := PrincipalFrom(WithPrincipal(context.Background(), p))
	require.True(t, ok)
	assert.Equal(t, p, got)
}
