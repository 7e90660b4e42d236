// SPDX-License-Identifier: AGPL-3.0-only

package treeview

import (
	"cmp"
	"context"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/assetmapping"
	"github.com/cognitedata/mapcache/pkg/cdf"
)

const defaultChildrenPageSize = 1000

// CadNode is the payload of nodes created by CadLoader.
type CadNode struct {
	ModelID    cdf.ModelID
	RevisionID cdf.RevisionID
	Node       cdf.Node3D

	// Cursor of the next page of siblings, set on the last node of a page.
	Cursor string
}

// NodeSink receives every 3D node the loader fetches.
type NodeSink interface {
	SetNodes(modelID cdf.ModelID, revisionID cdf.RevisionID, nodes []cdf.Node3D)
}

// CadLoader lazily loads the 3D node hierarchy of one model revision.
type CadLoader struct {
	api        cdf.API
	modelID    cdf.ModelID
	revisionID cdf.RevisionID
	pageSize   int
	sink       NodeSink
	logger     log.Logger
}

// NewCadLoader returns a loader fetching pageSize children per request. sink
// may be nil.
func NewCadLoader(api cdf.API, modelID cdf.ModelID, revisionID cdf.RevisionID, pageSize int, sink NodeSink, logger log.Logger) *CadLoader {
	if pageSize <= 0 {
		pageSize = defaultChildrenPageSize
	}
	return &CadLoader{
		api:        api,
		modelID:    modelID,
		revisionID: revisionID,
		pageSize:   pageSize,
		sink:       sink,
		logger:     logger,
	}
}

var (
	_ Loader             = (*CadLoader)(nil)
	_ NodeLoadedObserver = (*CadLoader)(nil)
)

func (l *CadLoader) LoadChildren(ctx context.Context, parent *Node) ([]*Node, error) {
	payload, err := cadPayload(parent)
	if err != nil {
		return nil, err
	}
	return l.fetchPage(ctx, parent.Tree(), payload.Node.ID, "")
}

func (l *CadLoader) LoadSiblings(ctx context.Context, n *Node) ([]*Node, error) {
	parent := n.Parent()
	if parent == nil {
		return nil, ErrParentUndefined
	}
	parentPayload, err := cadPayload(parent)
	if err != nil {
		return nil, err
	}
	payload, err := cadPayload(n)
	if err != nil {
		return nil, err
	}
	if payload.Node.ParentID != parentPayload.Node.ID {
		return nil, ErrParentUndefined
	}

	nodes, err := l.fetchPage(ctx, n.Tree(), parentPayload.Node.ID, payload.Cursor)
	if err != nil {
		return nil, err
	}
	// The cursor is consumed, the next one lives on the new last sibling.
	n.SetPayload(&CadNode{ModelID: payload.ModelID, RevisionID: payload.RevisionID, Node: payload.Node})
	return nodes, nil
}

// OnNodeLoaded propagates a definite checkbox state of the parent.
func (l *CadLoader) OnNodeLoaded(child, parent *Node) {
	if state := parent.CheckboxState(); state == CheckboxAll || state == CheckboxNone {
		child.SetCheckboxState(state)
	}
}

func (l *CadLoader) fetchPage(ctx context.Context, tree *Tree, parentID cdf.NodeID, cursor string) ([]*Node, error) {
	children, next, err := l.api.FetchNodeChildren(ctx, l.modelID, l.revisionID, parentID, cursor, l.pageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch children of node %d", parentID)
	}
	if l.sink != nil {
		l.sink.SetNodes(l.modelID, l.revisionID, children)
	}
	level.Debug(l.logger).Log("msg", "loaded node children", "model", l.modelID, "revision", l.revisionID, "parent", parentID, "count", len(children), "more", next != "")

	nodes := make([]*Node, 0, len(children))
	for i, child := range children {
		n := l.newNode(tree, child)
		if i == len(children)-1 && next != "" {
			n.SetNeedLoadSiblings(true)
			n.SetPayload(&CadNode{ModelID: l.modelID, RevisionID: l.revisionID, Node: child, Cursor: next})
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (l *CadLoader) newNode(tree *Tree, node cdf.Node3D) *Node {
	return tree.NewNode(
		assetmapping.ModelNodeIDKey(l.modelID, l.revisionID, node.ID),
		node.Name,
		NodeOptions{
			NeedLoadChildren: node.SubtreeSize > 1,
			Payload:          &CadNode{ModelID: l.modelID, RevisionID: l.revisionID, Node: node},
		},
	)
}

// MaterializeAncestorPath makes the node at treeIndex reachable from the root
// of tree. Ancestors missing from the tree are inserted and marked so that
// their remaining siblings are loaded on demand. Every ancestor of the
// returned node is expanded.
func (l *CadLoader) MaterializeAncestorPath(ctx context.Context, tree *Tree, treeIndex cdf.TreeIndex) (*Node, error) {
	ancestors, err := l.api.FetchAncestorNodesForTreeIndex(ctx, l.modelID, l.revisionID, treeIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch ancestors of tree index %d", treeIndex)
	}
	if len(ancestors) == 0 {
		return nil, errors.Wrapf(ErrNodeNotFound, "tree index %d", treeIndex)
	}
	slices.SortFunc(ancestors, func(a, b cdf.Node3D) int { return cmp.Compare(a.Depth, b.Depth) })
	if l.sink != nil {
		l.sink.SetNodes(l.modelID, l.revisionID, ancestors)
	}

	root := tree.Root()
	switch {
	case root == nil:
		root = l.newNode(tree, ancestors[0])
		tree.SetRoot(root)
	case root.Key() != assetmapping.ModelNodeIDKey(l.modelID, l.revisionID, ancestors[0].ID):
		return nil, errors.Errorf("tree root %s is not the root of node at tree index %d", root.Key(), treeIndex)
	}

	current := root
	for _, ancestor := range ancestors[1:] {
		payload, err := cadPayload(current)
		if err != nil {
			return nil, err
		}
		if ancestor.ParentID != payload.Node.ID {
			return nil, ErrParentUndefined
		}
		key := assetmapping.ModelNodeIDKey(l.modelID, l.revisionID, ancestor.ID)
		next := current.ChildByKey(key)
		if next == nil {
			next = l.newNode(tree, ancestor)
			// An empty cursor restarts from the first page, already present
			// children are skipped when the siblings are inserted.
			next.SetNeedLoadSiblings(true)
			current.InsertChild(insertionIndex(current, ancestor.TreeIndex), next)
			current.SetNeedLoadChildren(false)
		}
		current = next
	}

	current.ExpandAllAncestors()
	return current, nil
}

// insertionIndex keeps children ordered by tree index.
func insertionIndex(parent *Node, treeIndex cdf.TreeIndex) int {
	children := parent.Children()
	for i, c := range children {
		if p, ok := c.Payload().(*CadNode); ok && p.Node.TreeIndex > treeIndex {
			return i
		}
	}
	return len(children)
}

func cadPayload(n *Node) (*CadNode, error) {
	p, ok := n.Payload().(*CadNode)
	if !ok || p == nil {
		return nil, errors.Errorf("node %s carries no 3D node", n.Key())
	}
	return p, nil
}
