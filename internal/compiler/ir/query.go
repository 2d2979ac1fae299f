package ir

import (
	"strconv"
	"strings"
)

// IsIdent reports whether an atom is a symbolic identifier such as $main.
func IsIdent(atom string) bool {
	return len(atom) > 1 && atom[0] == '$'
}

// IsIndex reports whether an atom is a numeric index.
func IsIndex(atom string) bool {
	if atom == "" {
		return false
	}
	_, err := strconv.ParseUint(strings.ReplaceAll(atom, "_", ""), 0, 32)
	return err == nil
}

// ParseInt parses a WAT integer literal (decimal or 0x hex, optional sign,
// underscores allowed) into its two's-complement 64-bit value.
func ParseInt(atom string) (int64, bool) {
	s := strings.ReplaceAll(atom, "_", "")
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	u, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, false
	}
	v := int64(u)
	if neg {
		v = -v
	}
	return v, true
}

// Name returns the identifier of a func, import or memory field when it has one.
func Name(field *Node) string {
	if !field.IsList() || len(field.List) < 2 || field.List[1].IsList() {
		return ""
	}
	if IsIdent(field.List[1].Atom) {
		return field.List[1].Atom
	}
	return ""
}

// Funcs returns the module's func fields in declaration order.
func (m *Module) Funcs() []*Node {
	var out []*Node
	for _, f := range m.Fields() {
		if f.Head() == "func" {
			out = append(out, f)
		}
	}
	return out
}

// Exports returns the exported names, in declaration order, from both
// `(export "n" ...)` fields and inline `(func (export "n") ...)` forms.
func (m *Module) Exports() []string {
	var out []string
	for _, f := range m.Fields() {
		switch f.Head() {
		case "export":
			if len(f.List) >= 2 {
				out = append(out, Unquote(f.List[1].Atom))
			}
		case "func", "memory", "global", "table":
			for _, child := range f.List[1:] {
				if child.Head() == "export" && len(child.List) == 2 {
					out = append(out, Unquote(child.List[1].Atom))
				}
			}
		}
	}
	return out
}

// InlineExported reports whether a field carries an inline (export "...").
func InlineExported(field *Node) bool {
	for _, child := range field.List[1:] {
		if child.Head() == "export" {
			return true
		}
	}
	return false
}

// Imports returns "module.name" for every import, from both `(import ...)`
// fields and inline `(func (import "m" "n") ...)` forms.
func (m *Module) Imports() []string {
	var out []string
	add := func(n *Node) {
		if len(n.List) >= 3 && !n.List[1].IsList() && !n.List[2].IsList() {
			out = append(out, Unquote(n.List[1].Atom)+"."+Unquote(n.List[2].Atom))
		}
	}
	for _, f := range m.Fields() {
		if f.Head() == "import" {
			add(f)
			continue
		}
		for _, child := range f.List[1:] {
			if child.Head() == "import" {
				add(child)
			}
		}
	}
	return out
}

// Unquote strips the surrounding quotes of a string atom. Escapes are kept
// as written; export and import names in practice are plain ASCII.
func Unquote(atom string) string {
	if len(atom) >= 2 && atom[0] == '"' && atom[len(atom)-1] == '"' {
		return atom[1 : len(atom)-1]
	}
	return atom
}

// CountAtoms counts occurrences of each identifier atom under n.
func CountAtoms(n *Node, into map[string]int) {
	n.Walk(func(x *Node) bool {
		if !x.IsList() && IsIdent(x.Atom) {
			into[x.Atom]++
		}
		return true
	})
}
