// SPDX-License-Identifier: AGPL-3.0-only

package treeview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cognitedata/mapcache/pkg/util/test"
)

type fakeLoader struct {
	children map[string][]string
	siblings map[string][]string
	err      error
	gate     chan struct{}
	calls    atomic.Int32

	mtx    sync.Mutex
	loaded []string
}

func (l *fakeLoader) LoadChildren(_ context.Context, parent *Node) ([]*Node, error) {
	return l.load(parent, l.children[parent.Key()])
}

func (l *fakeLoader) LoadSiblings(_ context.Context, n *Node) ([]*Node, error) {
	return l.load(n, l.siblings[n.Key()])
}

func (l *fakeLoader) load(n *Node, keys []string) ([]*Node, error) {
	l.calls.Inc()
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	out := make([]*Node, 0, len(keys))
	for _, k := range keys {
		out = append(out, n.Tree().NewNode(k, k, NodeOptions{}))
	}
	return out, nil
}

func (l *fakeLoader) OnNodeLoaded(child, parent *Node) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.loaded = append(l.loaded, parent.Key()+">"+child.Key())
}

func TestTree_LoadChildren(t *testing.T) {
	tree := NewTree()
	root := tree.NewNode("root", "", NodeOptions{NeedLoadChildren: true})
	tree.SetRoot(root)
	loader := &fakeLoader{children: map[string][]string{"root": {"a", "b"}}}

	require.NoError(t, tree.LoadChildren(context.Background(), root, loader))
	assert.Equal(t, []string{"a", "b"}, nodeKeys(root.Children()))
	assert.False(t, root.NeedLoadChildren())
	assert.False(t, root.IsLoadingChildren())
	assert.Equal(t, []string{"root>a", "root>b"}, loader.loaded)

	// Already loaded.
	require.NoError(t, tree.LoadChildren(context.Background(), root, loader))
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Len(t, root.Children(), 2)
}

func TestTree_LoadChildrenRunsOnceAtATime(t *testing.T) {
	test.VerifyNoLeak(t)

	tree := NewTree()
	root := tree.NewNode("root", "", NodeOptions{NeedLoadChildren: true})
	loader := &fakeLoader{children: map[string][]string{"root": {"a"}}, gate: make(chan struct{})}

	done := make(chan error)
	go func() { done <- tree.LoadChildren(context.Background(), root, loader) }()

	require.Eventually(t, root.IsLoadingChildren, time.Second, time.Millisecond)
	require.NoError(t, tree.LoadChildren(context.Background(), root, loader))

	close(loader.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, []string{"a"}, nodeKeys(root.Children()))
}

func TestTree_LoadChildrenFailure(t *testing.T) {
	tree := NewTree()
	root := tree.NewNode("root", "", NodeOptions{NeedLoadChildren: true})
	loader := &fakeLoader{err: errors.New("unavailable")}

	err := tree.LoadChildren(context.Background(), root, loader)
	require.ErrorIs(t, err, loader.err)
	assert.True(t, root.NeedLoadChildren())
	assert.False(t, root.IsLoadingChildren())
	assert.Empty(t, root.Children())

	// A later attempt may succeed.
	loader.err = nil
	loader.children = map[string][]string{"root": {"a"}}
	require.NoError(t, tree.LoadChildren(context.Background(), root, loader))
	assert.Len(t, root.Children(), 1)
}

func TestTree_LoadSiblings(t *testing.T) {
	tests := map[string]struct {
		siblings []string
		expected []string
	}{
		"inserted right after the node": {
			siblings: []string{"x", "y"},
			expected: []string{"a", "b", "x", "y", "c"},
		},
		"children already present are skipped": {
			siblings: []string{"c", "x", "a"},
			expected: []string{"a", "b", "x", "c"},
		},
		"nothing to insert": {
			expected: []string{"a", "b", "c"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tree := NewTree()
			parent := tree.NewNode("p", "", NodeOptions{})
			for _, k := range []string{"a", "b", "c"} {
				parent.AddChild(tree.NewNode(k, k, NodeOptions{}))
			}
			b := parent.ChildByKey("b")
			b.SetNeedLoadSiblings(true)

			loader := &fakeLoader{siblings: map[string][]string{"b": tc.siblings}}
			require.NoError(t, tree.LoadSiblings(context.Background(), b, loader))

			assert.Equal(t, tc.expected, nodeKeys(parent.Children()))
			assert.False(t, b.NeedLoadSiblings())
			assert.False(t, b.IsLoadingSiblings())
		})
	}
}

func TestTree_LoadSiblingsWithoutParent(t *testing.T) {
	tree := NewTree()
	orphan := tree.NewNode("orphan", "", NodeOptions{})
	orphan.SetNeedLoadSiblings(true)

	err := tree.LoadSiblings(context.Background(), orphan, &fakeLoader{})
	require.ErrorIs(t, err, ErrParentUndefined)
}

func TestTree_RejectsForeignNodes(t *testing.T) {
	n := NewTree().NewNode("n", "", NodeOptions{NeedLoadChildren: true})
	require.Error(t, NewTree().LoadChildren(context.Background(), n, &fakeLoader{}))
}
