package wasm

import (
	"sort"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// HostNamespace is the import module every host call lives in.
const HostNamespace = "env"

// HostCall names one host function.
type HostCall string

const (
	CallPow       HostCall = "pow"
	CallAbs       HostCall = "abs"
	CallMin       HostCall = "min"
	CallMax       HostCall = "max"
	CallNowS      HostCall = "now_s"
	CallAbort     HostCall = "abort"
	CallNowMs     HostCall = "now_ms"
	CallPrintI64  HostCall = "print_i64"
	CallPrintChar HostCall = "print_char"
	CallNetFetch  HostCall = "net_fetch"
	CallFSRead    HostCall = "fs_read"
)

// Import returns the qualified import name, e.g. "env.pow".
func (c HostCall) Import() string {
	return HostNamespace + "." + string(c)
}

// Pow exponent bounds.
const (
	MaxPowExponent      = 100
	MaxPowExponentHeavy = 1024
)

// safeCore is available to every job.
var safeCore = []HostCall{CallPow, CallAbs, CallMin, CallMax, CallNowS, CallAbort}

// grants is the declarative allow-list: what each capability unlocks.
// Capabilities not listed here unlock no host calls.
var grants = map[core.Capability][]HostCall{
	core.CapTimers: {CallNowMs},
	core.CapIO:     {CallPrintI64, CallPrintChar},
	core.CapNet:    {CallNetFetch},
	core.CapFS:     {CallFSRead},
}

// surface is the maximal set of host calls the runtime implements. Grants
// are intersected with it, so a grant can never reach past it.
var surface = map[HostCall]bool{
	CallPow: true, CallAbs: true, CallMin: true, CallMax: true,
	CallNowS: true, CallAbort: true, CallNowMs: true,
	CallPrintI64: true, CallPrintChar: true,
	CallNetFetch: true, CallFSRead: true,
}

// Context is the computed capability context of one job.
type Context struct {
	calls       map[HostCall]bool
	MemoryRead  bool
	MemoryWrite bool
	MaxExponent int64
}

// NewContext computes the context for a capability set.
func NewContext(caps core.CapabilitySet) Context {
	ctx := Context{
		calls:       make(map[HostCall]bool),
		MemoryRead:  caps.Has(core.CapRead),
		MemoryWrite: caps.Has(core.CapWrite),
		MaxExponent: MaxPowExponent,
	}
	if caps.Has(core.CapHeavyMath) {
		ctx.MaxExponent = MaxPowExponentHeavy
	}
	for _, c := range safeCore {
		ctx.calls[c] = true
	}
	for capability, calls := range grants {
		if !caps.Has(capability) {
			continue
		}
		for _, c := range calls {
			if surface[c] {
				ctx.calls[c] = true
			}
		}
	}
	return ctx
}

// Allows reports whether c is available.
func (c Context) Allows(call HostCall) bool {
	return c.calls[call]
}

// Calls returns the available host calls, sorted.
func (c Context) Calls() []HostCall {
	out := make([]HostCall, 0, len(c.calls))
	for call := range c.calls {
		out = append(out, call)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Denied returns the imports of a module that this context does not satisfy.
func (c Context) Denied(imports []string) []string {
	var denied []string
	for _, imp := range imports {
		ok := false
		for call := range c.calls {
			if call.Import() == imp {
				ok = true
				break
			}
		}
		if !ok {
			denied = append(denied, imp)
		}
	}
	return denied
}
