package tricks

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllEnumeratesDistinctConfigurations(t *testing.T) {
	all := All()
	require.Len(t, all, 18)

	seen := make(map[Tricks]bool)
	names := make(map[string]bool)
	for _, tr := range all {
		assert.True(t, tr.Valid())
		assert.False(t, seen[tr], "duplicate %v", tr)
		seen[tr] = true
		names[tr.String()] = true
	}
	assert.Len(t, names, 18)
	assert.Equal(t, Tricks{}, all[0])
}

func TestStringParseRoundTrip(t *testing.T) {
	for _, tr := range All() {
		t.Run(tr.String(), func(t *testing.T) {
			got, err := Parse(tr.String())
			require.NoError(t, err)
			assert.Equal(t, tr, got)
			assert.Equal(t, tr.String(), got.String())
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []string{
		"",
		"attn-exact",
		"attn-exact_eupu-exact",
		"attn-exact_eupu-exact_pos-svd",
		"eupu-exact_attn-exact_pos-exact",
		"attn-Exact_eupu-exact_pos-exact",
		"attn-exact_eupu-exact_pos-exact_",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))
		})
	}
}

func TestParseList(t *testing.T) {
	all, err := ParseList("all")
	require.NoError(t, err)
	assert.Len(t, all, 18)

	got, err := ParseList("default, attn-svd_eupu-exact_pos-maxdiff")
	require.NoError(t, err)
	assert.Equal(t, []Tricks{
		Default(),
		{Attention: AttentionSVD, EUPU: EUPUExact, Position: PositionMaxDiff},
	}, got)

	_, err = ParseList("default,bogus")
	assert.Error(t, err)
}

func TestTextMarshalling(t *testing.T) {
	type wrapper struct {
		Tricks Tricks `json:"tricks"`
	}
	in := wrapper{Tricks: Default()}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tricks":"attn-maxdiff_eupu-maxdiff_pos-exact"}`, string(b))

	var out wrapper
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	_, err = Tricks{Attention: 9}.MarshalText()
	assert.Error(t, err)
}

func TestLeadingComplexity(t *testing.T) {
	tests := []struct {
		tricks Tricks
		want   Complexity
	}{
		{Tricks{}, Cubic},
		{Tricks{Attention: AttentionMaxDiff, EUPU: EUPUExact}, Cubic},
		{Tricks{Attention: AttentionSVD, EUPU: EUPUMaxDiff}, Subcubic},
		{Tricks{Attention: AttentionMaxDiff, EUPU: EUPUSVD}, Subcubic},
		{Default(), AlmostQuadratic},
		{Tricks{Attention: AttentionMaxDiff, EUPU: EUPUMaxDiff, Position: PositionMaxDiff}, AlmostQuadratic},
	}
	for _, tt := range tests {
		t.Run(tt.tricks.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tricks.LeadingComplexity())
			assert.Equal(t, tt.want != Cubic, tt.tricks.IsSubcubic())
		})
	}
}

func TestLeadingComplexityLeavesOutEVOU(t *testing.T) {
	counts := map[Complexity]int{}
	for _, tr := range All() {
		counts[tr.LeadingComplexity()]++
	}
	assert.Equal(t, map[Complexity]int{Cubic: 10, Subcubic: 6, AlmostQuadratic: 2}, counts)

	// EVOU is kept in full by the cheapest configuration too.
	cheapest := Tricks{Attention: AttentionMaxDiff, EUPU: EUPUMaxDiff, Position: PositionMaxDiff}
	assert.Equal(t, AlmostQuadratic, cheapest.LeadingComplexity())
	assert.GreaterOrEqual(t, cheapest.EffectiveDimension(64, 80, 2), 64*80)
}

func TestEffectiveDimensionOrdering(t *testing.T) {
	exact := Tricks{}.EffectiveDimension(64, 64, 2)
	cheap := Tricks{Attention: AttentionSVD, EUPU: EUPUSVD, Position: PositionMaxDiff}.EffectiveDimension(64, 64, 2)
	assert.Greater(t, exact, Default().EffectiveDimension(64, 64, 2))
	assert.Greater(t, Default().EffectiveDimension(64, 64, 2), cheap)
	assert.Equal(t, 64.0*64*64, BruteForceCost(64, 2))
}
