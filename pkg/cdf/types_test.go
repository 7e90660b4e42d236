// SPDX-License-Identifier: AGPL-3.0-only

package cdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestIsValidAssetMapping(t *testing.T) {
	valid := RawAssetMapping{NodeID: ptr[int64](1), AssetID: ptr[int64](2), TreeIndex: ptr[int64](3), SubtreeSize: ptr[int64](4)}

	tests := map[string]struct {
		mutate   func(m *RawAssetMapping)
		expected bool
	}{
		"all fields set": {
			mutate:   func(*RawAssetMapping) {},
			expected: true,
		},
		"zero values are valid": {
			mutate: func(m *RawAssetMapping) {
				m.NodeID, m.AssetID, m.TreeIndex, m.SubtreeSize = ptr[int64](0), ptr[int64](0), ptr[int64](0), ptr[int64](0)
			},
			expected: true,
		},
		"missing node ID": {
			mutate:   func(m *RawAssetMapping) { m.NodeID = nil },
			expected: false,
		},
		"missing asset ID": {
			mutate:   func(m *RawAssetMapping) { m.AssetID = nil },
			expected: false,
		},
		"missing tree index": {
			mutate:   func(m *RawAssetMapping) { m.TreeIndex = nil },
			expected: false,
		},
		"missing subtree size": {
			mutate:   func(m *RawAssetMapping) { m.SubtreeSize = nil },
			expected: false,
		},
		"negative node ID": {
			mutate:   func(m *RawAssetMapping) { m.NodeID = ptr[int64](-1) },
			expected: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := valid
			tc.mutate(&m)
			assert.Equal(t, tc.expected, IsValidAssetMapping(m))

			_, ok := ToAssetMapping(m)
			assert.Equal(t, tc.expected, ok)
		})
	}
}

func TestValidAssetMappings_DropsInvalid(t *testing.T) {
	raw := []RawAssetMapping{
		{NodeID: ptr[int64](1), AssetID: ptr[int64](10), TreeIndex: ptr[int64](1), SubtreeSize: ptr[int64](1)},
		{NodeID: ptr[int64](2), TreeIndex: ptr[int64](2), SubtreeSize: ptr[int64](1)},
		{NodeID: ptr[int64](3), AssetID: ptr[int64](30), TreeIndex: ptr[int64](3), SubtreeSize: ptr[int64](1), AssetInstanceID: &InstanceID{Space: "s", ExternalID: "e"}},
	}

	got := ValidAssetMappings(raw)
	require.Len(t, got, 2)
	assert.Equal(t, NodeID(1), got[0].NodeID)
	assert.Equal(t, NodeID(3), got[1].NodeID)
	require.NotNil(t, got[1].AssetInstanceID)
	assert.Equal(t, InstanceID{Space: "s", ExternalID: "e"}, *got[1].AssetInstanceID)

	// The converted mapping must not alias the raw record.
	raw[2].AssetInstanceID.Space = "changed"
	assert.Equal(t, "s", got[1].AssetInstanceID.Space)
}

func TestInstanceRef(t *testing.T) {
	classic := ClassicRef(42)
	dm := DMRef("space", "ext")

	assert.Equal(t, "id:42", classic.Key())
	assert.Equal(t, "dm:space/ext", dm.Key())
	assert.True(t, classic.IsClassic())
	assert.False(t, dm.IsClassic())
	assert.True(t, classic.IsValid())
	assert.True(t, dm.IsValid())
	assert.False(t, InstanceRef{}.IsValid())
	assert.Equal(t, "", InstanceRef{}.Key())

	// Separators inside identifiers are escaped.
	assert.Equal(t, "dm:a%2Fb/c", DMRef("a/b", "c").Key())
	assert.NotEqual(t, DMRef("a/b", "c").Key(), DMRef("a", "b/c").Key())
}

func TestAssetMapping_Equal(t *testing.T) {
	a := AssetMapping{NodeID: 1, TreeIndex: 2, SubtreeSize: 3, AssetID: 4, AssetInstanceID: &InstanceID{Space: "s", ExternalID: "e"}}
	b := a
	b.AssetInstanceID = &InstanceID{Space: "s", ExternalID: "e"}
	assert.True(t, a.Equal(b))

	b.AssetInstanceID = nil
	assert.False(t, a.Equal(b))

	c := a
	c.AssetID = 5
	assert.False(t, a.Equal(c))

	assert.Equal(t, []InstanceRef{ClassicRef(4), DMRef("s", "e")}, a.InstanceRefs())
}

func TestAsset_Matches(t *testing.T) {
	hybrid := Asset{ID: 7, InstanceID: &InstanceID{Space: "s", ExternalID: "e"}, Name: "pump"}

	assert.True(t, hybrid.Matches(ClassicRef(7)))
	assert.True(t, hybrid.Matches(DMRef("s", "e")))
	assert.False(t, hybrid.Matches(ClassicRef(8)))
	assert.False(t, hybrid.Matches(DMRef("s", "other")))
	assert.False(t, Asset{Name: "dm only"}.Matches(ClassicRef(0)))
}
