// SPDX-License-Identifier: AGPL-3.0-only

package treeview

import (
	"iter"
	"slices"
)

type CheckboxState int

const (
	CheckboxUndefined CheckboxState = iota
	CheckboxNone
	CheckboxSome
	CheckboxAll
)

// listener is notified after any state change of the node it is attached to.
type listener struct {
	id int
	fn func(*Node)
}

// Node is a tree view item. All accessors are safe for concurrent use.
type Node struct {
	tree     *Tree
	id       NodeID
	parent   NodeID
	children []NodeID
	key      string

	label           string
	icon            string
	iconColor       string
	selected        bool
	expanded        bool
	checkboxEnabled bool
	checkbox        CheckboxState
	boldLabel       bool
	infoIcon        bool

	needLoadChildren bool
	needLoadSiblings bool
	loadingChildren  bool
	loadingSiblings  bool

	payload any

	listeners      []listener
	nextListenerID int
}

func (n *Node) ID() NodeID  { return n.id }
func (n *Node) Key() string { return n.key }
func (n *Node) Tree() *Tree { return n.tree }

func (n *Node) read(fn func()) {
	n.tree.mtx.RLock()
	defer n.tree.mtx.RUnlock()
	fn()
}

func getField[T any](n *Node, field *T) T {
	n.tree.mtx.RLock()
	defer n.tree.mtx.RUnlock()
	return *field
}

func setField[T comparable](n *Node, field *T, value T) {
	n.tree.mutate(func() []*Node {
		if *field == value {
			return nil
		}
		*field = value
		return []*Node{n}
	})
}

func (n *Node) Label() string                    { return getField(n, &n.label) }
func (n *Node) SetLabel(v string)                { setField(n, &n.label, v) }
func (n *Node) Icon() string                     { return getField(n, &n.icon) }
func (n *Node) SetIcon(v string)                 { setField(n, &n.icon, v) }
func (n *Node) IconColor() string                { return getField(n, &n.iconColor) }
func (n *Node) SetIconColor(v string)            { setField(n, &n.iconColor, v) }
func (n *Node) IsSelected() bool                 { return getField(n, &n.selected) }
func (n *Node) SetSelected(v bool)               { setField(n, &n.selected, v) }
func (n *Node) IsExpanded() bool                 { return getField(n, &n.expanded) }
func (n *Node) SetExpanded(v bool)               { setField(n, &n.expanded, v) }
func (n *Node) HasBoldLabel() bool               { return getField(n, &n.boldLabel) }
func (n *Node) SetBoldLabel(v bool)              { setField(n, &n.boldLabel, v) }
func (n *Node) HasInfoIcon() bool                { return getField(n, &n.infoIcon) }
func (n *Node) SetInfoIcon(v bool)               { setField(n, &n.infoIcon, v) }
func (n *Node) IsCheckboxEnabled() bool          { return getField(n, &n.checkboxEnabled) }
func (n *Node) SetCheckboxEnabled(v bool)        { setField(n, &n.checkboxEnabled, v) }
func (n *Node) CheckboxState() CheckboxState     { return getField(n, &n.checkbox) }
func (n *Node) SetCheckboxState(v CheckboxState) { setField(n, &n.checkbox, v) }
func (n *Node) NeedLoadChildren() bool           { return getField(n, &n.needLoadChildren) }
func (n *Node) SetNeedLoadChildren(v bool)       { setField(n, &n.needLoadChildren, v) }
func (n *Node) NeedLoadSiblings() bool           { return getField(n, &n.needLoadSiblings) }
func (n *Node) SetNeedLoadSiblings(v bool)       { setField(n, &n.needLoadSiblings, v) }
func (n *Node) IsLoadingChildren() bool          { return getField(n, &n.loadingChildren) }
func (n *Node) IsLoadingSiblings() bool          { return getField(n, &n.loadingSiblings) }

// Payload returns the domain object attached to the node.
func (n *Node) Payload() any { return getField(n, &n.payload) }

// SetPayload replaces the domain object. Listeners are not notified.
func (n *Node) SetPayload(v any) {
	n.tree.mtx.Lock()
	defer n.tree.mtx.Unlock()
	n.payload = v
}

// IsParent reports whether the node has children or may have children not loaded yet.
func (n *Node) IsParent() (parent bool) {
	n.read(func() { parent = n.needLoadChildren || len(n.children) > 0 })
	return parent
}

// Parent returns the parent node, or nil for a root or detached node.
func (n *Node) Parent() (parent *Node) {
	n.read(func() { parent = n.tree.get(n.parent) })
	return parent
}

// Children returns a snapshot of the children.
func (n *Node) Children() (children []*Node) {
	n.read(func() { children = n.childrenLocked() })
	return children
}

func (n *Node) childrenLocked() []*Node {
	if len(n.children) == 0 {
		return nil
	}
	out := make([]*Node, 0, len(n.children))
	for _, id := range n.children {
		out = append(out, n.tree.nodes[id])
	}
	return out
}

// LastChild returns the last child, or nil.
func (n *Node) LastChild() (last *Node) {
	n.read(func() {
		if len(n.children) > 0 {
			last = n.tree.nodes[n.children[len(n.children)-1]]
		}
	})
	return last
}

// Root returns the topmost ancestor, or n itself.
func (n *Node) Root() *Node {
	root := n
	for p := n.Parent(); p != nil; p = p.Parent() {
		root = p
	}
	return root
}

// Ancestors yields the parent, then its parent, up to the root.
func (n *Node) Ancestors() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for p := n.Parent(); p != nil; p = p.Parent() {
			if !yield(p) {
				return
			}
		}
	}
}

// Descendants yields every node below n, depth first.
func (n *Node) Descendants() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		n.walk(false, yield)
	}
}

// ExpandedDescendants yields the nodes below n that are visible when n is
// expanded: a node's children are only visited if the node is expanded.
func (n *Node) ExpandedDescendants() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		if n.IsExpanded() {
			n.walk(true, yield)
		}
	}
}

// ThisAndDescendants yields n followed by Descendants.
func (n *Node) ThisAndDescendants() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		if !yield(n) {
			return
		}
		n.walk(false, yield)
	}
}

func (n *Node) walk(expandedOnly bool, yield func(*Node) bool) bool {
	for _, child := range n.Children() {
		if !yield(child) {
			return false
		}
		if expandedOnly && !child.IsExpanded() {
			continue
		}
		if !child.walk(expandedOnly, yield) {
			return false
		}
	}
	return true
}

// SelectedNodes returns n and its descendants that are selected.
func (n *Node) SelectedNodes() []*Node {
	var out []*Node
	for d := range n.ThisAndDescendants() {
		if d.IsSelected() {
			out = append(out, d)
		}
	}
	return out
}

// CheckedNodes returns n and its descendants whose checkbox is fully checked.
func (n *Node) CheckedNodes() []*Node {
	var out []*Node
	for d := range n.ThisAndDescendants() {
		if d.CheckboxState() == CheckboxAll {
			out = append(out, d)
		}
	}
	return out
}

// DeselectAll deselects n and all its descendants.
func (n *Node) DeselectAll() {
	for d := range n.ThisAndDescendants() {
		d.SetSelected(false)
	}
}

// ExpandAllAncestors expands every ancestor so that n becomes visible.
func (n *Node) ExpandAllAncestors() {
	for a := range n.Ancestors() {
		a.SetExpanded(true)
	}
}

// AddChild appends child to the children of n.
func (n *Node) AddChild(child *Node) {
	n.tree.mutate(func() []*Node {
		n.insertChildLocked(len(n.children), child)
		return []*Node{n}
	})
}

// InsertChild inserts child at index, clamped to the number of children.
func (n *Node) InsertChild(index int, child *Node) {
	n.tree.mutate(func() []*Node {
		n.insertChildLocked(index, child)
		return []*Node{n}
	})
}

func (n *Node) insertChildLocked(index int, child *Node) {
	index = max(0, min(index, len(n.children)))
	n.children = slices.Insert(n.children, index, child.id)
	child.parent = n.id
}

// HasChild reports whether n has a child with the same key as child.
func (n *Node) HasChild(child *Node) (found bool) {
	n.read(func() { found = n.hasChildKeyLocked(child.key) })
	return found
}

func (n *Node) hasChildKeyLocked(key string) bool {
	return slices.ContainsFunc(n.children, func(id NodeID) bool { return n.tree.nodes[id].key == key })
}

// ChildByKey returns the child with the given key, or nil.
func (n *Node) ChildByKey(key string) (child *Node) {
	n.read(func() {
		for _, id := range n.children {
			if c := n.tree.nodes[id]; c.key == key {
				child = c
				return
			}
		}
	})
	return child
}

// AddListener registers fn and returns a function removing it.
func (n *Node) AddListener(fn func(*Node)) (remove func()) {
	n.tree.mtx.Lock()
	id := n.nextListenerID
	n.nextListenerID++
	n.listeners = append(n.listeners, listener{id: id, fn: fn})
	n.tree.mtx.Unlock()

	return func() {
		n.tree.mtx.Lock()
		defer n.tree.mtx.Unlock()
		n.listeners = slices.DeleteFunc(n.listeners, func(l listener) bool { return l.id == id })
	}
}
