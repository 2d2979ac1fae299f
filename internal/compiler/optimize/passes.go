package optimize

import (
	"strconv"

	"github.com/nmxmxh/swarmjit/internal/compiler/ir"
)

// A pass rewrites one site at a time. Sites are enumerated in a fixed
// preorder, so "site k" names the same place on structurally equal modules.
type pass struct {
	name string
	// sites counts rewritable places in m.
	sites func(m *ir.Module) int
	// apply rewrites site k in place and reports whether anything changed.
	apply func(m *ir.Module, k int) bool
}

var (
	foldPass    = pass{name: "fold", sites: countFoldSites, apply: foldAt}
	inlinePass  = pass{name: "inline", sites: countInlineSites, apply: inlineAt}
	dcePass     = pass{name: "dce", sites: countDeadFuncs, apply: removeDeadAt}
	nopPass     = pass{name: "nop", sites: countNops, apply: removeNopAt}
	stripPass   = pass{name: "strip-names", sites: countStrippableNames, apply: stripNameAt}
	baseline    = []pass{foldPass, inlinePass, dcePass, nopPass}
	searchMoves = []pass{foldPass, inlinePass, dcePass, nopPass, stripPass}
)

// runToFixpoint applies p at site 0 until no sites remain. Every rewrite
// strictly shrinks the tree, so the loop terminates.
func runToFixpoint(m *ir.Module, p pass) {
	for p.sites(m) > 0 {
		if !p.apply(m, 0) {
			return
		}
	}
}

// --- constant folding ---

var foldOps = map[string]func(a, b int64) int64{
	"add": func(a, b int64) int64 { return a + b },
	"sub": func(a, b int64) int64 { return a - b },
	"mul": func(a, b int64) int64 { return a * b },
	"and": func(a, b int64) int64 { return a & b },
	"or":  func(a, b int64) int64 { return a | b },
	"xor": func(a, b int64) int64 { return a ^ b },
}

func constOf(n *ir.Node, typ string) (int64, bool) {
	if n.Head() != typ+".const" || len(n.List) != 2 || n.List[1].IsList() {
		return 0, false
	}
	return ir.ParseInt(n.List[1].Atom)
}

// foldable returns the folded constant for `(T.op (T.const a) (T.const b))`.
func foldable(n *ir.Node) (*ir.Node, bool) {
	head := n.Head()
	if len(n.List) != 3 || len(head) < 5 {
		return nil, false
	}
	typ, op := head[:3], head[4:]
	if (typ != "i32" && typ != "i64") || head[3] != '.' {
		return nil, false
	}
	fn, ok := foldOps[op]
	if !ok {
		return nil, false
	}
	a, ok := constOf(n.List[1], typ)
	if !ok {
		return nil, false
	}
	b, ok := constOf(n.List[2], typ)
	if !ok {
		return nil, false
	}
	r := fn(a, b)
	var lit string
	if typ == "i32" {
		lit = strconv.FormatInt(int64(int32(r)), 10)
	} else {
		lit = strconv.FormatInt(r, 10)
	}
	return ir.NewList(ir.NewAtom(typ+".const"), ir.NewAtom(lit)), true
}

// eachSite walks every list in preorder and calls fn with the parent and
// child index of each list matching pred. fn returns false to stop.
func eachSite(root *ir.Node, pred func(*ir.Node) bool, fn func(parent *ir.Node, i int) bool) {
	var walk func(n *ir.Node) bool
	walk = func(n *ir.Node) bool {
		for i, child := range n.List {
			if !child.IsList() {
				continue
			}
			if pred(child) && !fn(n, i) {
				return false
			}
			if !walk(child) {
				return false
			}
		}
		return true
	}
	walk(root)
}

func isFoldSite(n *ir.Node) bool {
	_, ok := foldable(n)
	return ok
}

func countFoldSites(m *ir.Module) int {
	n := 0
	eachSite(m.Root, isFoldSite, func(*ir.Node, int) bool { n++; return true })
	return n
}

func foldAt(m *ir.Module, k int) bool {
	done := false
	eachSite(m.Root, isFoldSite, func(parent *ir.Node, i int) bool {
		if k > 0 {
			k--
			return true
		}
		folded, _ := foldable(parent.List[i])
		parent.List[i] = folded
		done = true
		return false
	})
	return done
}

// --- inlining of trivial functions ---

// trivialFuncs maps the name of every `(func $n (result T) (T.const K))` to
// its constant body.
func trivialFuncs(m *ir.Module) map[string]*ir.Node {
	out := make(map[string]*ir.Node)
	for _, f := range m.Funcs() {
		name := ir.Name(f)
		if name == "" || len(f.List) != 4 {
			continue
		}
		result, body := f.List[2], f.List[3]
		if result.Head() != "result" || len(result.List) != 2 || result.List[1].IsList() {
			continue
		}
		if _, ok := constOf(body, result.List[1].Atom); !ok {
			continue
		}
		out[name] = body
	}
	return out
}

func countInlineSites(m *ir.Module) int {
	trivial := trivialFuncs(m)
	n := 0
	eachSite(m.Root, isCallTo(trivial), func(*ir.Node, int) bool { n++; return true })
	return n
}

func isCallTo(targets map[string]*ir.Node) func(*ir.Node) bool {
	return func(n *ir.Node) bool {
		if n.Head() != "call" || len(n.List) != 2 || n.List[1].IsList() {
			return false
		}
		_, ok := targets[n.List[1].Atom]
		return ok
	}
}

func inlineAt(m *ir.Module, k int) bool {
	trivial := trivialFuncs(m)
	done := false
	eachSite(m.Root, isCallTo(trivial), func(parent *ir.Node, i int) bool {
		if k > 0 {
			k--
			return true
		}
		parent.List[i] = trivial[parent.List[i].List[1].Atom].Clone()
		done = true
		return false
	})
	return done
}

// --- dead function elimination ---

var indexedRefHeads = map[string]bool{
	"call": true, "return_call": true, "ref.func": true, "start": true,
}

// hasNumericFuncRefs reports whether anything refers to a function by index.
// Removing a function would renumber the others, so DCE is skipped then.
func hasNumericFuncRefs(m *ir.Module) bool {
	found := false
	m.Root.Walk(func(n *ir.Node) bool {
		if found || !n.IsList() {
			return false
		}
		head := n.Head()
		if indexedRefHeads[head] && len(n.List) >= 2 && !n.List[1].IsList() && ir.IsIndex(n.List[1].Atom) {
			found = true
		}
		if head == "func" && len(n.List) == 2 && !n.List[1].IsList() && ir.IsIndex(n.List[1].Atom) {
			found = true
		}
		if head == "elem" {
			for _, child := range n.List[1:] {
				if !child.IsList() && ir.IsIndex(child.Atom) {
					found = true
				}
			}
		}
		return !found
	})
	return found
}

// deadFields returns the module-field indices of unexported named functions
// and imported functions whose name appears nowhere outside their own field.
func deadFields(m *ir.Module) []int {
	if hasNumericFuncRefs(m) {
		return nil
	}
	var dead []int
	for i, f := range m.Root.List {
		if i == 0 {
			continue
		}
		name, ok := funcDefName(f)
		if !ok || ir.InlineExported(f) {
			continue
		}
		refs := make(map[string]int)
		for j, other := range m.Root.List[1:] {
			if j+1 != i {
				ir.CountAtoms(other, refs)
			}
		}
		if refs[name] == 0 {
			dead = append(dead, i)
		}
	}
	return dead
}

// funcDefName returns the name a field defines in the function index space.
func funcDefName(f *ir.Node) (string, bool) {
	switch f.Head() {
	case "func":
		name := ir.Name(f)
		return name, name != ""
	case "import":
		if len(f.List) == 4 && f.List[3].Head() == "func" {
			name := ir.Name(f.List[3])
			return name, name != ""
		}
	}
	return "", false
}

func countDeadFuncs(m *ir.Module) int {
	return len(deadFields(m))
}

func removeDeadAt(m *ir.Module, k int) bool {
	dead := deadFields(m)
	if k >= len(dead) {
		return false
	}
	idx := dead[k]
	m.Root.List = append(m.Root.List[:idx], m.Root.List[idx+1:]...)
	return true
}

// --- nop removal ---

func isNop(n *ir.Node) bool {
	return (!n.IsList() && n.Atom == "nop") || (n.Head() == "nop" && len(n.List) == 1)
}

func eachNop(m *ir.Module, fn func(parent *ir.Node, i int) bool) {
	var walk func(n *ir.Node) bool
	walk = func(n *ir.Node) bool {
		for i, child := range n.List {
			if isNop(child) {
				if !fn(n, i) {
					return false
				}
				continue
			}
			if child.IsList() && !walk(child) {
				return false
			}
		}
		return true
	}
	walk(m.Root)
}

func countNops(m *ir.Module) int {
	n := 0
	eachNop(m, func(*ir.Node, int) bool { n++; return true })
	return n
}

func removeNopAt(m *ir.Module, k int) bool {
	done := false
	eachNop(m, func(parent *ir.Node, i int) bool {
		if k > 0 {
			k--
			return true
		}
		parent.List = append(parent.List[:i], parent.List[i+1:]...)
		done = true
		return false
	})
	return done
}

// --- debug name stripping ---

// strippable finds `(param $x T)` and `(local $x T)` declarations whose name is
// never used inside the enclosing function. Dropping such a name changes no
// index and only shrinks the name section.
func strippable(m *ir.Module) []*ir.Node {
	var out []*ir.Node
	for _, f := range m.Funcs() {
		refs := make(map[string]int)
		ir.CountAtoms(f, refs)
		for _, child := range f.List[1:] {
			h := child.Head()
			if (h != "param" && h != "local") || len(child.List) != 3 || child.List[1].IsList() {
				continue
			}
			name := child.List[1].Atom
			if ir.IsIdent(name) && refs[name] == 1 {
				out = append(out, child)
			}
		}
	}
	return out
}

func countStrippableNames(m *ir.Module) int {
	return len(strippable(m))
}

func stripNameAt(m *ir.Module, k int) bool {
	decls := strippable(m)
	if k >= len(decls) {
		return false
	}
	d := decls[k]
	d.List = append(d.List[:1], d.List[2:]...)
	return true
}
