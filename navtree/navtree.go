// Package navtree models the navigation state of the host application as an
// immutable snapshot tree. One snapshot is delivered per route change; the ad
// runtime only ever reads it.
package navtree

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxDepth bounds decoded snapshots.
const MaxDepth = 64

// Node is one level of the active route. Children are ordered; the first
// child is the active branch.
type Node struct {
	data     map[string]any
	segments []string
	children []*Node
	parent   *Node
}

// New builds a node and adopts children. The data map and segment slice are
// copied so the snapshot cannot change behind the reader's back.
func New(data map[string]any, segments []string, children ...*Node) *Node {
	n := &Node{
		data:     make(map[string]any, len(data)),
		segments: append([]string(nil), segments...),
	}
	for k, v := range data {
		n.data[k] = v
	}
	for _, c := range children {
		if c == nil {
			continue
		}
		c.parent = n
		n.children = append(n.children, c)
	}
	return n
}

// Value returns the data stored under key.
func (n *Node) Value(key string) (any, bool) {
	if n == nil {
		return nil, false
	}
	v, ok := n.data[key]
	return v, ok
}

// Parent returns the enclosing node, nil at the root.
func (n *Node) Parent() *Node {
	if n == nil {
		return nil
	}
	return n.parent
}

// IsRoot reports whether n has no parent.
func (n *Node) IsRoot() bool { return n != nil && n.parent == nil }

// FirstChild returns the active child, or nil for a leaf.
func (n *Node) FirstChild() *Node {
	if n == nil || len(n.children) == 0 {
		return nil
	}
	return n.children[0]
}

// Children returns a copy of the child list.
func (n *Node) Children() []*Node {
	if n == nil {
		return nil
	}
	return append([]*Node(nil), n.children...)
}

// Segments returns the path segments matched by this node.
func (n *Node) Segments() []string {
	if n == nil {
		return nil
	}
	return append([]string(nil), n.segments...)
}

// Deepest follows first children down to the deepest active node.
func (n *Node) Deepest() *Node {
	if n == nil {
		return nil
	}
	cur := n
	for c := cur.FirstChild(); c != nil; c = cur.FirstChild() {
		cur = c
	}
	return cur
}

// Path joins the segments matched from the root down to n.
func (n *Node) Path() string {
	var levels [][]string
	for cur := n; cur != nil; cur = cur.parent {
		if len(cur.segments) > 0 {
			levels = append(levels, cur.segments)
		}
	}
	var parts []string
	for i := len(levels) - 1; i >= 0; i-- {
		for _, s := range levels[i] {
			if s = strings.Trim(s, "/"); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "/")
}

// FirstSegment returns the first segment of Path, or "".
func (n *Node) FirstSegment() string {
	p := n.Path()
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

type wireNode struct {
	Data     map[string]any `json:"data,omitempty"`
	Segments []string       `json:"segments,omitempty"`
	Children []wireNode     `json:"children,omitempty"`
}

// Decode reads a JSON snapshot:
//
//	{"data": {...}, "segments": ["messages"], "children": [ ... ]}
func Decode(r io.Reader) (*Node, error) {
	var w wireNode
	if err := json.NewDecoder(r).Decode(&w); err != nil {
		return nil, fmt.Errorf("navtree: decode: %w", err)
	}
	return build(w, 0)
}

func build(w wireNode, depth int) (*Node, error) {
	if depth >= MaxDepth {
		return nil, fmt.Errorf("navtree: snapshot deeper than %d levels", MaxDepth)
	}
	children := make([]*Node, 0, len(w.Children))
	for _, cw := range w.Children {
		c, err := build(cw, depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return New(w.Data, w.Segments, children...), nil
}

// MarshalJSON encodes the subtree rooted at n in the Decode shape.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.wire())
}

func (n *Node) wire() wireNode {
	w := wireNode{Data: n.data, Segments: n.segments}
	for _, c := range n.children {
		w.Children = append(w.Children, c.wire())
	}
	return w
}
