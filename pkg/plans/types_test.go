package plans

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOrdering(t *testing.T) {
	tests := []struct {
		tier     Tier
		rank     int
		next     Tier
		hasNext  bool
		expected bool
	}{
		{tier: TierBasic, rank: 0, next: TierProfessional, hasNext: true, expected: true},
		{tier: TierProfessional, rank: 1, next: TierEnterprise, hasNext: true, expected: true},
		{tier: TierEnterprise, rank: 2, next: TierPlatform, hasNext: true, expected: true},
		{tier: TierPlatform, rank: 3, next: "", hasNext: false, expected: true},
		{tier: Tier("gold"), rank: -1, next: "", hasNext: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.rank, tt.tier.Rank())
			assert.Equal(t, tt.expected, tt.tier.Valid())

			next, ok := tt.tier.Next()
			assert.Equal(t, tt.hasNext, ok)
			assert.Equal(t, tt.next, next)
		})
	}

	assert.True(t, TierBasic.Less(TierPlatform))
	assert.False(t, TierEnterprise.Less(TierProfessional))
	assert.True(t, TierPlatform.IsTop())
	assert.False(t, TierBasic.IsTop())
}

func TestTiersReturnsCopy(t *testing.T) {
	tiers := Tiers()
	tiers[0] = "mutated"
	assert.Equal(t, TierBasic, Tiers()[0])
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" Enterprise ")
	require.NoError(t, err)
	assert.Equal(t, TierEnterprise, tier)

	_, err = ParseTier("gold")
	assert.Error(t, err)
}

func TestLimitValidate(t *testing.T) {
	assert.NoError(t, Limit(0).Validate())
	assert.NoError(t, Limit(10).Validate())
	assert.NoError(t, Unlimited.Validate())
	assert.Error(t, Limit(-2).Validate())

	assert.True(t, Unlimited.IsUnlimited())
	assert.False(t, Limit(0).IsUnlimited())
	assert.Equal(t, "unlimited", Unlimited.String())
	assert.Equal(t, "10", Limit(10).String())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("HARD")
	require.NoError(t, err)
	assert.Equal(t, ModeHard, m)

	_, err = ParseMode("strict")
	assert.Error(t, err)
}
