package wasm

import (
	"fmt"
	"sort"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/swarmjit/internal/compiler/ir"
	"github.com/nmxmxh/swarmjit/internal/core"
)

// PageSize is the size of one linear-memory page.
const PageSize = 64 * 1024

// TargetWasm32SIMD is accepted alongside plain wasm32. The runtime enables
// SIMD by default, so both lower the same way; the target only steers which
// peers are preferred when fetching.
const TargetWasm32SIMD = "wasm32-simd"

var supportedTargets = map[string]bool{
	core.TargetWasm32: true,
	TargetWasm32SIMD:  true,
}

// WATGenerator compiles WebAssembly text. Parsing produces the IR the
// optimizer works on; emission and validation go through the wasmer
// toolchain.
type WATGenerator struct {
	engine *wasmer.Engine
}

// NewWATGenerator creates a generator with its own engine.
func NewWATGenerator() *WATGenerator {
	return &WATGenerator{engine: wasmer.NewEngine()}
}

// Generate parses source for the requested target.
func (g *WATGenerator) Generate(source []byte, opts core.Options) (*ir.Module, error) {
	if !supportedTargets[opts.Target] {
		return nil, core.CompileError(fmt.Sprintf("unsupported target %q", opts.Target), nil)
	}
	m, err := ir.Parse(string(source))
	if err != nil {
		return nil, core.CompileError("parse", err)
	}
	return m, nil
}

// Emit assembles the module into binary form.
func (g *WATGenerator) Emit(m *ir.Module) ([]byte, error) {
	out, err := wasmer.Wat2Wasm(ir.Print(m))
	if err != nil {
		return nil, core.CompileError("assemble", err)
	}
	return out, nil
}

// Inspect validates wasm bytes and reports exports, imports and the declared
// memory limits. A memory without a maximum is refused: its growth could not
// be reserved against the budget.
func (g *WATGenerator) Inspect(wasm []byte) (core.ModuleInfo, error) {
	module, err := wasmer.NewModule(wasmer.NewStore(g.engine), wasm)
	if err != nil {
		return core.ModuleInfo{}, core.CompileError("invalid module", err)
	}
	info, err := moduleInfo(module, wasm)
	if err != nil {
		return core.ModuleInfo{}, core.CompileError("invalid module", err)
	}
	if info.HasMemory && !info.MemoryBounded {
		return core.ModuleInfo{}, core.CompileError("memory must declare a maximum", nil)
	}
	return info, nil
}

// Validate reports whether bytes form a loadable module. It satisfies the
// swarm's verifier for fetched artifacts.
func (g *WATGenerator) Validate(wasm []byte) error {
	_, err := g.Inspect(wasm)
	return err
}

func moduleInfo(module *wasmer.Module, wasm []byte) (core.ModuleInfo, error) {
	lim, err := readMemoryLimits(wasm)
	if err != nil {
		return core.ModuleInfo{}, err
	}
	info := core.ModuleInfo{
		MemoryBytes:    lim.minBytes(),
		MaxMemoryBytes: lim.maxBytes(),
		HasMemory:      lim.memories > 0,
		MemoryBounded:  lim.bounded,
	}
	for _, exp := range module.Exports() {
		info.Exports = append(info.Exports, exp.Name())
	}
	for _, imp := range module.Imports() {
		info.Imports = append(info.Imports, imp.Module()+"."+imp.Name())
	}
	sort.Strings(info.Exports)
	sort.Strings(info.Imports)
	return info, nil
}
