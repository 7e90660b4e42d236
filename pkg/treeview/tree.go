// SPDX-License-Identifier: AGPL-3.0-only

package treeview

import (
	"slices"
	"sync"
)

// NodeID is the handle of a node within its Tree.
type NodeID int

const noNode NodeID = -1

// Tree owns every node created through it. Nodes refer to their parent and
// children by handle, so the tree is the only owner of node memory.
type Tree struct {
	mtx   sync.RWMutex
	nodes []*Node
	root  NodeID
}

func NewTree() *Tree {
	return &Tree{root: noNode}
}

// NodeOptions sets the initial state of a new node.
type NodeOptions struct {
	Icon             string
	NeedLoadChildren bool
	Payload          any
}

// NewNode creates a detached node. key identifies the node among its
// siblings: a node is never added twice to the same parent.
func (t *Tree) NewNode(key, label string, opts NodeOptions) *Node {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	n := &Node{
		tree:             t,
		id:               NodeID(len(t.nodes)),
		parent:           noNode,
		key:              key,
		label:            label,
		icon:             opts.Icon,
		checkboxEnabled:  true,
		needLoadChildren: opts.NeedLoadChildren,
		payload:          opts.Payload,
	}
	t.nodes = append(t.nodes, n)
	return n
}

// SetRoot makes n the root of the tree.
func (t *Tree) SetRoot(n *Node) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.root = n.id
}

// Root returns the root node, or nil for an empty tree.
func (t *Tree) Root() *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.get(t.root)
}

// Node returns the node with the given handle, or nil.
func (t *Tree) Node(id NodeID) *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.get(id)
}

// Len returns the number of nodes created through the tree.
func (t *Tree) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.nodes)
}

func (t *Tree) get(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// mutate applies fn under the write lock and notifies the listeners of every
// node fn reports as changed, after the lock is released.
func (t *Tree) mutate(fn func() []*Node) {
	t.mtx.Lock()
	changed := fn()
	type notification struct {
		node      *Node
		listeners []listener
	}
	notifications := make([]notification, 0, len(changed))
	for _, n := range changed {
		if len(n.listeners) > 0 {
			notifications = append(notifications, notification{node: n, listeners: slices.Clone(n.listeners)})
		}
	}
	t.mtx.Unlock()

	for _, nt := range notifications {
		for _, l := range nt.listeners {
			l.fn(nt.node)
		}
	}
}
