// SPDX-License-Identifier: AGPL-3.0-only

package treeview

import (
	"context"
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrParentUndefined is returned when a node that must have a parent has none.
	ErrParentUndefined = errors.New("parent node id is undefined")
	// ErrNodeNotFound is returned when no node has the requested tree index.
	ErrNodeNotFound = errors.New("node not found")
	errNotAChild    = errors.New("node is not a child of its parent")
	errForeignNode  = errors.New("node belongs to another tree")
)

// Loader fetches nodes on demand. Nodes it returns must be created with the
// Tree of the node passed in.
type Loader interface {
	LoadChildren(ctx context.Context, parent *Node) ([]*Node, error)
	LoadSiblings(ctx context.Context, node *Node) ([]*Node, error)
}

// NodeLoadedObserver is optionally implemented by a Loader to be told about
// every node attached to the tree by LoadChildren or LoadSiblings.
type NodeLoadedObserver interface {
	OnNodeLoaded(child, parent *Node)
}

// LoadChildren loads and appends the children of n. It is a no-op if n does
// not need its children loaded or a load of them is already running.
func (t *Tree) LoadChildren(ctx context.Context, n *Node, loader Loader) error {
	if n.tree != t {
		return errForeignNode
	}
	start := false
	t.mutate(func() []*Node {
		if !n.needLoadChildren || n.loadingChildren {
			return nil
		}
		n.loadingChildren = true
		start = true
		return []*Node{n}
	})
	if !start {
		return nil
	}

	children, err := loader.LoadChildren(ctx, n)
	if err != nil {
		setField(n, &n.loadingChildren, false)
		return errors.Wrap(err, "load children")
	}

	t.mutate(func() []*Node {
		for _, child := range children {
			n.insertChildLocked(len(n.children), child)
		}
		n.loadingChildren = false
		n.needLoadChildren = false
		return []*Node{n}
	})
	notifyLoaded(loader, n, children)
	return nil
}

// LoadSiblings loads the siblings following n and inserts them right after
// it. Siblings whose key is already present under the parent are skipped.
func (t *Tree) LoadSiblings(ctx context.Context, n *Node, loader Loader) error {
	if n.tree != t {
		return errForeignNode
	}
	if n.Parent() == nil {
		return ErrParentUndefined
	}

	start := false
	t.mutate(func() []*Node {
		if !n.needLoadSiblings || n.loadingSiblings {
			return nil
		}
		n.loadingSiblings = true
		start = true
		return []*Node{n}
	})
	if !start {
		return nil
	}

	siblings, err := loader.LoadSiblings(ctx, n)
	if err != nil {
		setField(n, &n.loadingSiblings, false)
		return errors.Wrap(err, "load siblings")
	}

	var (
		inserted []*Node
		loadErr  error
	)
	t.mutate(func() []*Node {
		n.loadingSiblings = false

		parent := n.tree.get(n.parent)
		if parent == nil {
			loadErr = ErrParentUndefined
			return []*Node{n}
		}
		index := slices.Index(parent.children, n.id)
		if index < 0 {
			loadErr = errNotAChild
			return []*Node{n}
		}
		for _, sibling := range siblings {
			if parent.hasChildKeyLocked(sibling.key) {
				continue
			}
			index++
			parent.insertChildLocked(index, sibling)
			inserted = append(inserted, sibling)
		}
		n.needLoadSiblings = false
		return []*Node{n, parent}
	})
	if loadErr != nil {
		return loadErr
	}
	if len(inserted) > 0 {
		notifyLoaded(loader, inserted[0].Parent(), inserted)
	}
	return nil
}

func notifyLoaded(loader Loader, parent *Node, children []*Node) {
	observer, ok := loader.(NodeLoadedObserver)
	if !ok {
		return
	}
	for _, child := range children {
		observer.OnNodeLoaded(child, parent)
	}
}
