// Package tree provides the topology primitive for the fractree
// messaging substrate: nodes with an identity, one parent and an
// ordered set of children. Routers, coordinators and monitors are all
// built over these parent/child edges.
package tree

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Node is a single node in a tree topology. All topology state is
// guarded by a mutex so the structure can be shared between the router
// goroutine and its callers.
type Node struct {
	mu       sync.RWMutex
	id       string
	data     map[string]any
	parent   *Node
	children map[string]*Node
	order    []string // child ids in insertion order, drives traversal
}

// New creates a node with the given id. An empty id generates a UUID.
func New(id string) (*Node, error) {
	if id == "" {
		id = uuid.NewString()
	} else if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id must be a non-empty string", ErrInvalidNode)
	}
	return &Node{
		id:       id,
		data:     make(map[string]any),
		children: make(map[string]*Node),
	}, nil
}

// ID returns the node's unique identifier.
func (n *Node) ID() string { return n.id }

// Parent returns the parent node, or nil for a root.
func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Children returns the child nodes in insertion order.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.children[id])
	}
	return out
}

// ChildCount returns the number of direct children.
func (n *Node) ChildCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children)
}

// Child returns the direct child with the given id, if present.
func (n *Node) Child(id string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.children[id]
	return c, ok
}

// HasChild reports whether a direct child with the given id exists.
func (n *Node) HasChild(id string) bool {
	_, ok := n.Child(id)
	return ok
}

// AddChild links child under n, establishing both the parent and the
// child side of the edge. The child must not already have a parent and
// must not be an ancestor of n.
func (n *Node) AddChild(child *Node) error {
	if child == nil {
		return fmt.Errorf("%w: cannot add nil child", ErrInvalidNode)
	}
	if child.Parent() != nil {
		return fmt.Errorf("%w: node %s already has a parent", ErrInvalidNode, child.id)
	}
	if child.id == n.id {
		return fmt.Errorf("%w: cannot add node %s as child of itself", ErrCircularReference, n.id)
	}
	// Walk up from n before taking write locks. If the candidate child
	// appears in our ancestry, linking it would close a cycle.
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.id == child.id {
			return fmt.Errorf("%w: node %s is an ancestor of %s", ErrCircularReference, child.id, n.id)
		}
	}

	n.mu.Lock()
	n.children[child.id] = child
	n.order = append(n.order, child.id)
	n.mu.Unlock()

	child.mu.Lock()
	child.parent = n
	child.mu.Unlock()
	return nil
}

// RemoveChild unlinks and returns the direct child with the given id.
func (n *Node) RemoveChild(id string) (*Node, bool) {
	n.mu.Lock()
	child, ok := n.children[id]
	if ok {
		delete(n.children, id)
		for i, cid := range n.order {
			if cid == id {
				n.order = append(n.order[:i], n.order[i+1:]...)
				break
			}
		}
	}
	n.mu.Unlock()
	if !ok {
		return nil, false
	}

	child.mu.Lock()
	child.parent = nil
	child.mu.Unlock()
	return child, true
}

// RemoveFromParent detaches this node from its parent, if any.
func (n *Node) RemoveFromParent() {
	if p := n.Parent(); p != nil {
		p.RemoveChild(n.id)
	}
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.Parent() == nil }

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.ChildCount() == 0 }

// Depth returns the distance from the root (root is depth 0).
func (n *Node) Depth() int {
	depth := 0
	for cur := n.Parent(); cur != nil; cur = cur.Parent() {
		depth++
	}
	return depth
}

// Ancestors returns the chain from parent up to the root.
func (n *Node) Ancestors() []*Node {
	var out []*Node
	for cur := n.Parent(); cur != nil; cur = cur.Parent() {
		out = append(out, cur)
	}
	return out
}

// Descendants returns every node below n, depth-first.
func (n *Node) Descendants() []*Node {
	var out []*Node
	for _, child := range n.Children() {
		out = append(out, child)
		out = append(out, child.Descendants()...)
	}
	return out
}

// Find locates a node by id within this subtree, including n itself.
func (n *Node) Find(id string) (*Node, bool) {
	if n.id == id {
		return n, true
	}
	for _, child := range n.Children() {
		if found, ok := child.Find(id); ok {
			return found, true
		}
	}
	return nil, false
}

// Walk visits n and every descendant depth-first. Returning false from
// fn stops the walk.
func (n *Node) Walk(fn func(*Node) bool) {
	n.walk(fn)
}

func (n *Node) walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, child := range n.Children() {
		if !child.walk(fn) {
			return false
		}
	}
	return true
}

// SetData stores an arbitrary value under key.
func (n *Node) SetData(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data[key] = value
}

// GetData returns the value stored under key.
func (n *Node) GetData(key string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.data[key]
	return v, ok
}

// RemoveData deletes and returns the value stored under key.
func (n *Node) RemoveData(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.data[key]
	if ok {
		delete(n.data, key)
	}
	return v, ok
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(id=%s, children=%d)", n.id, n.ChildCount())
}
