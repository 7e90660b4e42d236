// SPDX-License-Identifier: AGPL-3.0-only

package treeview

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

const (
	testModel    cdf.ModelID    = 1
	testRevision cdf.RevisionID = 2
)

// testNodes is:
//
//	1 (root)
//	├── 2
//	│   ├── 3
//	│   └── 4
//	├── 5
//	└── 6
func testNodes() []cdf.Node3D {
	return []cdf.Node3D{
		{ID: 1, TreeIndex: 0, Depth: 0, Name: "root", SubtreeSize: 6},
		{ID: 2, TreeIndex: 1, ParentID: 1, Depth: 1, Name: "pump", SubtreeSize: 3},
		{ID: 3, TreeIndex: 2, ParentID: 2, Depth: 2, Name: "valve", SubtreeSize: 1},
		{ID: 4, TreeIndex: 3, ParentID: 2, Depth: 2, Name: "pipe", SubtreeSize: 1},
		{ID: 5, TreeIndex: 4, ParentID: 1, Depth: 1, Name: "tank", SubtreeSize: 1},
		{ID: 6, TreeIndex: 5, ParentID: 1, Depth: 1, Name: "deck", SubtreeSize: 1},
	}
}

type recordingSink struct {
	nodes []cdf.NodeID
}

func (s *recordingSink) SetNodes(_ cdf.ModelID, _ cdf.RevisionID, nodes []cdf.Node3D) {
	for _, n := range nodes {
		s.nodes = append(s.nodes, n.ID)
	}
}

func names(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Label())
	}
	return out
}

func newRootedTree(l *CadLoader) (*Tree, *Node) {
	tree := NewTree()
	root := l.newNode(tree, testNodes()[0])
	tree.SetRoot(root)
	return tree, root
}

func TestCadLoader_PagesThroughChildren(t *testing.T) {
	api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
	sink := &recordingSink{}
	loader := NewCadLoader(api, testModel, testRevision, 2, sink, log.NewNopLogger())
	tree, root := newRootedTree(loader)
	root.SetCheckboxState(CheckboxAll)

	require.True(t, root.NeedLoadChildren())
	require.NoError(t, tree.LoadChildren(context.Background(), root, loader))
	require.Equal(t, []string{"pump", "tank"}, names(root.Children()))
	assert.Equal(t, []cdf.NodeID{2, 5}, sink.nodes)

	pump, tank := root.Children()[0], root.Children()[1]
	assert.True(t, pump.NeedLoadChildren())
	assert.False(t, tank.NeedLoadChildren())
	assert.False(t, pump.NeedLoadSiblings())
	require.True(t, tank.NeedLoadSiblings())
	assert.Equal(t, CheckboxAll, tank.CheckboxState())

	require.NoError(t, tree.LoadSiblings(context.Background(), tank, loader))
	require.Equal(t, []string{"pump", "tank", "deck"}, names(root.Children()))
	assert.False(t, tank.NeedLoadSiblings())
	assert.Empty(t, tank.Payload().(*CadNode).Cursor)

	deck := root.LastChild()
	assert.False(t, deck.NeedLoadSiblings())
	assert.Equal(t, CheckboxAll, deck.CheckboxState())

	require.NoError(t, tree.LoadChildren(context.Background(), pump, loader))
	assert.Equal(t, []string{"valve", "pipe"}, names(pump.Children()))
	assert.Equal(t, int64(3), api.Calls(cdftest.MethodNodeChildren))
}

func TestCadLoader_LoadSiblingsRequiresParent(t *testing.T) {
	api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
	loader := NewCadLoader(api, testModel, testRevision, 2, nil, log.NewNopLogger())
	tree, root := newRootedTree(loader)

	orphan := loader.newNode(tree, testNodes()[4])
	_, err := loader.LoadSiblings(context.Background(), orphan)
	require.ErrorIs(t, err, ErrParentUndefined)

	// The parent in the tree is not the parent of the 3D node.
	pump := loader.newNode(tree, testNodes()[1])
	root.AddChild(pump)
	pump.AddChild(orphan)
	_, err = loader.LoadSiblings(context.Background(), orphan)
	require.ErrorIs(t, err, ErrParentUndefined)
	assert.Zero(t, api.Calls(cdftest.MethodNodeChildren))
}

func TestCadLoader_FetchFailure(t *testing.T) {
	api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
	api.SetError(cdftest.MethodNodeChildren, errors.New("unavailable"))
	loader := NewCadLoader(api, testModel, testRevision, 2, nil, log.NewNopLogger())
	tree, root := newRootedTree(loader)

	require.Error(t, tree.LoadChildren(context.Background(), root, loader))
	assert.True(t, root.NeedLoadChildren())
}

func TestCadLoader_MaterializeAncestorPath(t *testing.T) {
	t.Run("builds the path in an empty tree", func(t *testing.T) {
		api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
		sink := &recordingSink{}
		loader := NewCadLoader(api, testModel, testRevision, 2, sink, log.NewNopLogger())
		tree := NewTree()

		valve, err := loader.MaterializeAncestorPath(context.Background(), tree, 2)
		require.NoError(t, err)
		require.Equal(t, "valve", valve.Label())
		assert.Equal(t, []cdf.NodeID{1, 2, 3}, sink.nodes)

		root := tree.Root()
		require.Equal(t, "root", root.Label())
		assert.Equal(t, []string{"pump", "root"}, names(collect(valve.Ancestors())))
		assert.True(t, root.IsExpanded())
		assert.True(t, valve.Parent().IsExpanded())
		assert.False(t, root.NeedLoadChildren())
		assert.True(t, valve.NeedLoadSiblings())

		// The remaining siblings come from the first page, skipping the node already present.
		pump := valve.Parent()
		require.NoError(t, tree.LoadSiblings(context.Background(), pump, loader))
		assert.Equal(t, []string{"pump", "tank"}, names(root.Children()))
	})

	t.Run("reuses the loaded part of the path", func(t *testing.T) {
		api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
		loader := NewCadLoader(api, testModel, testRevision, 10, nil, log.NewNopLogger())
		tree, root := newRootedTree(loader)
		require.NoError(t, tree.LoadChildren(context.Background(), root, loader))

		pipe, err := loader.MaterializeAncestorPath(context.Background(), tree, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"pump", "tank", "deck"}, names(root.Children()))
		assert.Equal(t, []string{"pipe"}, names(root.Children()[0].Children()))
		assert.Same(t, root.Children()[0], pipe.Parent())
		assert.Equal(t, 5, tree.Len())
	})

	t.Run("keeps children ordered by tree index", func(t *testing.T) {
		api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
		loader := NewCadLoader(api, testModel, testRevision, 10, nil, log.NewNopLogger())
		tree := NewTree()

		_, err := loader.MaterializeAncestorPath(context.Background(), tree, 5)
		require.NoError(t, err)
		_, err = loader.MaterializeAncestorPath(context.Background(), tree, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"pump", "deck"}, names(tree.Root().Children()))
	})

	t.Run("unknown tree index", func(t *testing.T) {
		api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
		loader := NewCadLoader(api, testModel, testRevision, 10, nil, log.NewNopLogger())

		_, err := loader.MaterializeAncestorPath(context.Background(), NewTree(), 99)
		require.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("tree rooted elsewhere", func(t *testing.T) {
		api := cdftest.NewAPI().AddNodes(testModel, testRevision, testNodes()...)
		loader := NewCadLoader(api, testModel, testRevision, 10, nil, log.NewNopLogger())
		tree := NewTree()
		tree.SetRoot(tree.NewNode("other", "", NodeOptions{}))

		_, err := loader.MaterializeAncestorPath(context.Background(), tree, 2)
		require.Error(t, err)
	})
}

func collect(seq func(func(*Node) bool)) []*Node {
	var out []*Node
	for n := range seq {
		out = append(out, n)
	}
	return out
}
