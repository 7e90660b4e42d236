// SPDX-License-Identifier: AGPL-3.0-only

package assetmapping

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/cdf/cdftest"
)

var (
	pumpInstance = cdf.InstanceID{Space: "s", ExternalID: "pump"}
	tankInstance = cdf.InstanceID{Space: "s", ExternalID: "tank"}

	rootNode  = cdf.Node3D{ID: 10, TreeIndex: 0, SubtreeSize: 4}
	pumpNode  = cdf.Node3D{ID: 11, TreeIndex: 1, ParentID: 10, Depth: 1, SubtreeSize: 2}
	valveNode = cdf.Node3D{ID: 12, TreeIndex: 2, ParentID: 11, Depth: 2, SubtreeSize: 1}
	tankNode  = cdf.Node3D{ID: 13, TreeIndex: 3, ParentID: 10, Depth: 1, SubtreeSize: 1}
)

func hybridMapping(nodeID cdf.NodeID, assetID cdf.AssetID, treeIndex cdf.TreeIndex, instance cdf.InstanceID) cdf.RawAssetMapping {
	m := mapping(nodeID, assetID, treeIndex)
	m.AssetInstanceID = &instance
	return rawMapping(m)
}

func newFdmFixture() *cdftest.API {
	return cdftest.NewAPI().
		AddNodes(modelID, revisionID, rootNode, pumpNode, valveNode, tankNode).
		AddMappings(modelID, revisionID,
			hybridMapping(13, 101, 3, tankInstance),
			hybridMapping(11, 100, 1, pumpInstance),
			hybridMapping(13, 102, 3, tankInstance),
			rawMapping(mapping(12, 103, 2)),
		)
}

func newTestFdmCache(t *testing.T, api cdf.API) *FdmNodeCache {
	t.Helper()
	c, _ := newTestCache(t, api)
	return NewFdmNodeCache(c, api, log.NewNopLogger())
}

func TestFdmNodeCache_GetMappingsForFdmInstances(t *testing.T) {
	ctx := context.Background()
	otherRevision := cdf.ModelRevision{ModelID: modelID, RevisionID: revisionID + 1}
	revisions := []cdf.ModelRevision{{ModelID: modelID, RevisionID: revisionID}, otherRevision}

	t.Run("nodes are grouped per instance in request order", func(t *testing.T) {
		api := newFdmFixture()
		c := newTestFdmCache(t, api)

		instances := []cdf.InstanceID{tankInstance, {Space: "s", ExternalID: "unknown"}, pumpInstance, tankInstance}
		res, err := c.GetMappingsForFdmInstances(ctx, instances, revisions)
		require.NoError(t, err)
		assert.Equal(t, []ModelFdmMappings{
			{ModelID: modelID, RevisionID: revisionID, Mappings: []InstanceNodes{
				{InstanceID: tankInstance, Nodes: []cdf.Node3D{tankNode}},
				{InstanceID: pumpInstance, Nodes: []cdf.Node3D{pumpNode}},
			}},
			{ModelID: otherRevision.ModelID, RevisionID: otherRevision.RevisionID, Mappings: []InstanceNodes{}},
		}, res)

		// The revisions are loaded once.
		_, err = c.GetMappingsForFdmInstances(ctx, []cdf.InstanceID{pumpInstance}, revisions)
		require.NoError(t, err)
		assert.Equal(t, int64(2), api.Calls(cdftest.MethodAssetMappingsForModel))
		assert.Equal(t, int64(1), api.Calls(cdftest.MethodNodes))
	})

	t.Run("no instances fetch nothing", func(t *testing.T) {
		api := newFdmFixture()
		c := newTestFdmCache(t, api)

		res, err := c.GetMappingsForFdmInstances(ctx, nil, revisions)
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Empty(t, res[0].Mappings)
		assert.Equal(t, int64(0), api.Calls(cdftest.MethodAssetMappingsForModel))
	})

	t.Run("a failed load is retried", func(t *testing.T) {
		api := newFdmFixture()
		api.SetError(cdftest.MethodNodes, errors.New("nodes unavailable"))
		c := newTestFdmCache(t, api)

		_, err := c.GetMappingsForFdmInstances(ctx, []cdf.InstanceID{pumpInstance}, revisions[:1])
		require.ErrorContains(t, err, "nodes unavailable")
		assert.Nil(t, c.revisions.Get(ModelRevisionKey(modelID, revisionID)))

		api.SetError(cdftest.MethodNodes, nil)
		res, err := c.GetMappingsForFdmInstances(ctx, []cdf.InstanceID{pumpInstance}, revisions[:1])
		require.NoError(t, err)
		assert.Equal(t, []InstanceNodes{{InstanceID: pumpInstance, Nodes: []cdf.Node3D{pumpNode}}}, res[0].Mappings)
	})
}

func TestFdmNodeCache_GetAllMappingExternalIDs(t *testing.T) {
	api := newFdmFixture()
	c := newTestFdmCache(t, api)

	res, err := c.GetAllMappingExternalIDs(context.Background(), []cdf.ModelRevision{{ModelID: modelID, RevisionID: revisionID}})
	require.NoError(t, err)
	assert.Equal(t, []RevisionFdmConnections{{
		ModelID:    modelID,
		RevisionID: revisionID,
		Connections: []FdmConnection{
			{Instance: pumpInstance, Node: pumpNode},
			{Instance: tankInstance, Node: tankNode},
		},
	}}, res)
}

func TestFdmNodeCache_GetClosestParentData(t *testing.T) {
	ctx := context.Background()

	t.Run("closest connected ancestor", func(t *testing.T) {
		api := newFdmFixture()
		c := newTestFdmCache(t, api)

		res, err := c.GetClosestParentData(ctx, modelID, revisionID, valveNode.TreeIndex)
		require.NoError(t, err)
		require.NotNil(t, res.Node)
		assert.Equal(t, pumpNode, *res.Node)
		assert.Equal(t, []cdf.InstanceID{pumpInstance}, res.Instances)

		// Served from memory the second time.
		_, err = c.GetClosestParentData(ctx, modelID, revisionID, valveNode.TreeIndex)
		require.NoError(t, err)
		assert.Equal(t, int64(1), api.Calls(cdftest.MethodAncestors))
		assert.Equal(t, int64(0), api.Calls(cdftest.MethodAssetMappingsForModel))
	})

	t.Run("the node itself counts", func(t *testing.T) {
		c := newTestFdmCache(t, newFdmFixture())

		res, err := c.GetClosestParentData(ctx, modelID, revisionID, tankNode.TreeIndex)
		require.NoError(t, err)
		require.NotNil(t, res.Node)
		assert.Equal(t, tankNode, *res.Node)
		assert.Equal(t, []cdf.InstanceID{tankInstance}, res.Instances)
	})

	t.Run("no connected ancestor", func(t *testing.T) {
		c := newTestFdmCache(t, newFdmFixture())

		res, err := c.GetClosestParentData(ctx, modelID, revisionID, rootNode.TreeIndex)
		require.NoError(t, err)
		assert.Nil(t, res.Node)
		assert.Equal(t, []cdf.InstanceID{}, res.Instances)
	})

	t.Run("a loaded revision is used instead of fetching mappings", func(t *testing.T) {
		api := newFdmFixture()
		c := newTestFdmCache(t, api)

		_, err := c.GetAllMappingExternalIDs(ctx, []cdf.ModelRevision{{ModelID: modelID, RevisionID: revisionID}})
		require.NoError(t, err)

		res, err := c.GetClosestParentData(ctx, modelID, revisionID, valveNode.TreeIndex)
		require.NoError(t, err)
		require.NotNil(t, res.Node)
		assert.Equal(t, pumpNode, *res.Node)
		assert.Equal(t, int64(0), api.Calls(cdftest.MethodAssetMappings))
	})

	t.Run("a failed lookup is retried", func(t *testing.T) {
		api := newFdmFixture()
		api.SetError(cdftest.MethodAncestors, errors.New("ancestors unavailable"))
		c := newTestFdmCache(t, api)

		_, err := c.GetClosestParentData(ctx, modelID, revisionID, valveNode.TreeIndex)
		require.ErrorContains(t, err, "ancestors unavailable")

		api.SetError(cdftest.MethodAncestors, nil)
		res, err := c.GetClosestParentData(ctx, modelID, revisionID, valveNode.TreeIndex)
		require.NoError(t, err)
		require.NotNil(t, res.Node)
		assert.Equal(t, pumpNode, *res.Node)
		assert.Equal(t, int64(2), api.Calls(cdftest.MethodAncestors))
	})
}
