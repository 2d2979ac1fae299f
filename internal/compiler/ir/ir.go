// Package ir is the structured intermediate representation the compiler
// optimizes: a WebAssembly text module held as an S-expression tree.
//
// Optimizations rewrite the tree and never touch emitted bytes, so every
// candidate can be re-emitted and validated before it is accepted.
package ir

import (
	"strings"
)

// Node is either an atom (keyword, identifier, number, string literal) or a
// parenthesized list.
type Node struct {
	Atom string
	List []*Node
	list bool
}

// NewAtom creates an atom node.
func NewAtom(s string) *Node {
	return &Node{Atom: s}
}

// NewList creates a list node.
func NewList(children ...*Node) *Node {
	return &Node{List: children, list: true}
}

// IsList reports whether n is a list.
func (n *Node) IsList() bool {
	return n.list
}

// Head returns the first atom of a list, or "" when n is not a list starting
// with an atom.
func (n *Node) Head() string {
	if !n.list || len(n.List) == 0 || n.List[0].list {
		return ""
	}
	return n.List[0].Atom
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if !n.list {
		return &Node{Atom: n.Atom}
	}
	c := &Node{List: make([]*Node, len(n.List)), list: true}
	for i, child := range n.List {
		c.List[i] = child.Clone()
	}
	return c
}

// Equal reports structural equality.
func (n *Node) Equal(o *Node) bool {
	if n.list != o.list {
		return false
	}
	if !n.list {
		return n.Atom == o.Atom
	}
	if len(n.List) != len(o.List) {
		return false
	}
	for i := range n.List {
		if !n.List[i].Equal(o.List[i]) {
			return false
		}
	}
	return true
}

// Walk visits n and its descendants depth-first, parents before children.
// Returning false from fn skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) || !n.list {
		return
	}
	for _, child := range n.List {
		child.Walk(fn)
	}
}

// Module is a parsed `(module ...)`.
type Module struct {
	Root *Node
}

// Fields returns the module's top-level fields (func, memory, export, ...).
// A module name such as `(module $m ...)` is skipped.
func (m *Module) Fields() []*Node {
	var out []*Node
	for _, child := range m.Root.List[1:] {
		if child.list {
			out = append(out, child)
		}
	}
	return out
}

// Clone deep-copies the module.
func (m *Module) Clone() *Module {
	return &Module{Root: m.Root.Clone()}
}

// Equal reports structural equality.
func (m *Module) Equal(o *Module) bool {
	return m.Root.Equal(o.Root)
}

// String prints the module as WAT.
func (m *Module) String() string {
	return Print(m)
}

// Print renders the module as WAT text, one top-level field per line. The
// output is canonical: parsing and printing again yields the same text.
func Print(m *Module) string {
	var b strings.Builder
	b.WriteString("(module")
	for _, child := range m.Root.List[1:] {
		b.WriteString("\n  ")
		writeNode(&b, child)
	}
	b.WriteString(")\n")
	return b.String()
}

func writeNode(b *strings.Builder, n *Node) {
	if !n.list {
		b.WriteString(n.Atom)
		return
	}
	b.WriteByte('(')
	for i, child := range n.List {
		if i > 0 {
			b.WriteByte(' ')
		}
		writeNode(b, child)
	}
	b.WriteByte(')')
}
