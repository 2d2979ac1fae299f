package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/swarmjit/internal/compiler/ir"
	"github.com/nmxmxh/swarmjit/internal/core"
)

func TestNewContext_SafeCoreOnly(t *testing.T) {
	c := NewContext(core.ParseCapabilities([]string{"bogus"}))
	assert.Equal(t, []HostCall{CallAbort, CallAbs, CallMax, CallMin, CallNowS, CallPow}, c.Calls())
	assert.False(t, c.MemoryRead)
	assert.False(t, c.MemoryWrite)
	assert.Equal(t, int64(MaxPowExponent), c.MaxExponent)
}

func TestNewContext_Grants(t *testing.T) {
	c := NewContext(core.ParseCapabilities([]string{"timers", "io", "net", "fs", "read", "write", "heavyMath"}))
	for _, call := range []HostCall{CallNowMs, CallPrintI64, CallPrintChar, CallNetFetch, CallFSRead} {
		assert.True(t, c.Allows(call), call)
	}
	assert.True(t, c.MemoryRead)
	assert.True(t, c.MemoryWrite)
	assert.Equal(t, int64(MaxPowExponentHeavy), c.MaxExponent)
}

func TestNewContext_NetIsExactlyOneCall(t *testing.T) {
	without := NewContext(nil).Calls()
	with := NewContext(core.ParseCapabilities([]string{"net"})).Calls()
	assert.Len(t, with, len(without)+1)
}

func TestContext_Denied(t *testing.T) {
	c := NewContext(core.ParseCapabilities([]string{"io"}))
	denied := c.Denied([]string{"env.pow", "env.print_i64", "env.fs_read", "wasi.fd_write"})
	assert.Equal(t, []string{"env.fs_read", "wasi.fd_write"}, denied)
}

func TestSanitize(t *testing.T) {
	msg := "RuntimeError: unreachable\n" +
		"    at github.com/wasmerio/wasmer-go/wasmer.(*Function).Call (function.go:120)\n" +
		"goroutine 7 [running]:\n" +
		"wasm://wasm/0012:1\n" +
		"/root/module/wasm/executor.go:88"
	assert.Equal(t, "RuntimeError: unreachable", Sanitize(msg))
	assert.Equal(t, GenericFailure, Sanitize("panic in runtime.gopark"))
	assert.Equal(t, GenericFailure, Sanitize(""))
}

func TestWATGenerator_Inspect(t *testing.T) {
	gen := NewWATGenerator()
	m, err := gen.Generate([]byte(`(module
	  (import "env" "abs" (func (param i64) (result i64)))
	  (memory (export "memory") 2 4)
	  (func (export "main") (result i64) (i64.const 0)))`), core.Options{Target: core.TargetWasm32})
	require.NoError(t, err)
	bin, err := gen.Emit(m)
	require.NoError(t, err)

	info, err := gen.Inspect(bin)
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "memory"}, info.Exports)
	assert.Equal(t, []string{"env.abs"}, info.Imports)
	assert.Equal(t, uint64(2*PageSize), info.MemoryBytes)
	assert.Equal(t, uint64(4*PageSize), info.MaxMemoryBytes)
	assert.True(t, info.HasMemory)
	assert.True(t, info.MemoryBounded)

	assert.Error(t, gen.Validate([]byte{0x00, 0x61, 0x73}))
}

func TestWATGenerator_Rejects(t *testing.T) {
	gen := NewWATGenerator()
	_, err := gen.Generate([]byte(`(module)`), core.Options{Target: "x86_64"})
	assert.ErrorIs(t, err, core.ErrCompile)

	_, err = gen.Generate([]byte(`(module (func`), core.Options{Target: core.TargetWasm32})
	assert.ErrorIs(t, err, core.ErrCompile)

	// Parses, but is not a valid module.
	m, err := ir.Parse(`(module (func (result i32) (i64.const 1)))`)
	require.NoError(t, err)
	_, err = gen.Emit(m)
	if err == nil {
		bin, _ := gen.Emit(m)
		_, err = gen.Inspect(bin)
	}
	assert.ErrorIs(t, err, core.ErrCompile)
}

func TestWATGenerator_InspectRejectsUnboundedMemory(t *testing.T) {
	gen := NewWATGenerator()
	bin, err := wasmer.Wat2Wasm(`(module (memory 1) (func (export "main")))`)
	require.NoError(t, err)
	_, err = gen.Inspect(bin)
	assert.ErrorIs(t, err, core.ErrCompile)
	assert.ErrorContains(t, err, "maximum")

	// No memory at all is fine.
	bin, err = wasmer.Wat2Wasm(`(module (func (export "main")))`)
	require.NoError(t, err)
	info, err := gen.Inspect(bin)
	require.NoError(t, err)
	assert.False(t, info.HasMemory)
}
