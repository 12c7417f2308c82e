package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetTenantID(ctx))
	assert.Empty(t, GetUserID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTenantID(ctx, "acme")
	ctx = WithUserID(ctx, "u-7")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "acme", GetTenantID(ctx))
	assert.Equal(t, "u-7", GetUserID(ctx))
}

func TestKeysDoNotCollide(t *testing.T) {
	// a plain string key with the same text is a different key
	ctx := context.WithValue(context.Background(), "tenant_id", "other") //nolint:staticcheck
	assert.Empty(t, GetTenantID(ctx))

	ctx = context.WithValue(ctx, TenantIDKey, 42)
	assert.Empty(t, GetTenantID(ctx), "non-string values are ignored")
}
