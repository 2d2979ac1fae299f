package wasm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// MaxPrintedBytes caps the io output kept per run.
const MaxPrintedBytes = 64 * 1024

// runState is what host calls of one run share. Host calls execute on the
// guest's goroutine; the executor reads the state only after the guest
// returns or is abandoned, so the mutex only matters for the abandoned case.
type runState struct {
	ctx    context.Context
	caps   Context
	host   HostBindings
	now    func() time.Time
	memory *wasmer.Memory

	mu        sync.Mutex
	printed   strings.Builder
	line      strings.Builder
	truncated bool
	aborted   bool
	abortCode int32
	hostCalls int
}

var errAborted = errors.New("aborted")

func (rs *runState) live() error {
	if err := rs.ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}
	return nil
}

func (rs *runState) write(s string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range s {
		if r == '\n' {
			rs.flushLocked()
			continue
		}
		rs.line.WriteRune(r)
	}
}

func (rs *runState) flushLocked() {
	if rs.printed.Len()+rs.line.Len()+1 > MaxPrintedBytes {
		rs.truncated = true
	} else {
		rs.printed.WriteString(rs.line.String())
		rs.printed.WriteByte('\n')
	}
	rs.line.Reset()
}

// output flushes any partial line and returns everything printed.
func (rs *runState) output() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.line.Len() > 0 {
		rs.flushLocked()
	}
	return rs.printed.String()
}

func (rs *runState) abort(code int32) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.aborted = true
	rs.abortCode = code
}

func (rs *runState) abortState() (bool, int32) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.aborted, rs.abortCode
}

// guestBytes copies [ptr, ptr+n) out of the guest's memory.
func (rs *runState) guestBytes(ptr, n int32) ([]byte, bool) {
	if !rs.caps.MemoryRead || rs.memory == nil || ptr < 0 || n < 0 {
		return nil, false
	}
	data := rs.memory.Data()
	end := int64(ptr) + int64(n)
	if end > int64(len(data)) {
		return nil, false
	}
	return append([]byte(nil), data[ptr:end]...), true
}

// putGuestBytes copies b into guest memory at ptr, at most limit bytes.
func (rs *runState) putGuestBytes(ptr, limit int32, b []byte) {
	if !rs.caps.MemoryWrite || rs.memory == nil || ptr < 0 || limit <= 0 {
		return
	}
	data := rs.memory.Data()
	if int64(ptr) >= int64(len(data)) {
		return
	}
	dst := data[ptr:]
	if int(limit) < len(dst) {
		dst = dst[:limit]
	}
	copy(dst, b)
}

type hostFunc struct {
	params  []wasmer.ValueKind
	results []wasmer.ValueKind
	impl    func(rs *runState, args []wasmer.Value) ([]wasmer.Value, error)
}

func i64Result(v int64) []wasmer.Value {
	return []wasmer.Value{wasmer.NewI64(v)}
}

var (
	i64x1 = []wasmer.ValueKind{wasmer.I64}
	i64x2 = []wasmer.ValueKind{wasmer.I64, wasmer.I64}
	i32x1 = []wasmer.ValueKind{wasmer.I32}
	i32x4 = []wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32}
)

var hostFuncs = map[HostCall]hostFunc{
	CallPow: {params: i64x2, results: i64x1, impl: func(rs *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		base, exp := args[0].I64(), args[1].I64()
		if exp < 0 || exp > rs.caps.MaxExponent {
			return nil, fmt.Errorf("pow: exponent %d out of range [0, %d]", exp, rs.caps.MaxExponent)
		}
		result := int64(1)
		for i := int64(0); i < exp; i++ {
			result *= base
		}
		return i64Result(result), nil
	}},
	CallAbs: {params: i64x1, results: i64x1, impl: func(_ *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		v := args[0].I64()
		if v < 0 {
			v = -v
		}
		return i64Result(v), nil
	}},
	CallMin: {params: i64x2, results: i64x1, impl: func(_ *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		return i64Result(min(args[0].I64(), args[1].I64())), nil
	}},
	CallMax: {params: i64x2, results: i64x1, impl: func(_ *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		return i64Result(max(args[0].I64(), args[1].I64())), nil
	}},
	CallNowS: {results: i64x1, impl: func(rs *runState, _ []wasmer.Value) ([]wasmer.Value, error) {
		if err := rs.live(); err != nil {
			return nil, err
		}
		return i64Result(rs.now().Unix()), nil
	}},
	CallNowMs: {results: i64x1, impl: func(rs *runState, _ []wasmer.Value) ([]wasmer.Value, error) {
		if err := rs.live(); err != nil {
			return nil, err
		}
		return i64Result(rs.now().UnixMilli()), nil
	}},
	CallAbort: {params: i32x1, impl: func(rs *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		rs.abort(args[0].I32())
		return nil, errAborted
	}},
	CallPrintI64: {params: i64x1, impl: func(rs *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		if err := rs.live(); err != nil {
			return nil, err
		}
		rs.write(strconv.FormatInt(args[0].I64(), 10) + "\n")
		return []wasmer.Value{}, nil
	}},
	CallPrintChar: {params: i32x1, impl: func(rs *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		if err := rs.live(); err != nil {
			return nil, err
		}
		rs.write(string(rune(args[0].I32())))
		return []wasmer.Value{}, nil
	}},
	CallNetFetch: {params: i32x4, results: []wasmer.ValueKind{wasmer.I32}, impl: func(rs *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		return rs.transfer(args, rs.host.Fetch)
	}},
	CallFSRead: {params: i32x4, results: []wasmer.ValueKind{wasmer.I32}, impl: func(rs *runState, args []wasmer.Value) ([]wasmer.Value, error) {
		return rs.transfer(args, rs.host.ReadFile)
	}},
}

// transfer implements the (argPtr, argLen, outPtr, outCap) -> len convention
// of net_fetch and fs_read. It returns -1 on any failure; the host error is
// never shown to the guest.
func (rs *runState) transfer(args []wasmer.Value, call func(context.Context, string) ([]byte, error)) ([]wasmer.Value, error) {
	if err := rs.live(); err != nil {
		return nil, err
	}
	fail := []wasmer.Value{wasmer.NewI32(int32(-1))}
	arg, ok := rs.guestBytes(args[0].I32(), args[1].I32())
	if !ok {
		return fail, nil
	}
	rs.mu.Lock()
	rs.hostCalls++
	rs.mu.Unlock()
	body, err := call(rs.ctx, string(arg))
	if err != nil {
		return fail, nil
	}
	rs.putGuestBytes(args[2].I32(), args[3].I32(), body)
	return []wasmer.Value{wasmer.NewI32(int32(len(body)))}, nil
}

// importObject registers exactly the host calls rs.caps allows. Anything
// else is absent, so linking a module that imports it fails.
func importObject(store *wasmer.Store, rs *runState) *wasmer.ImportObject {
	externs := make(map[string]wasmer.IntoExtern)
	for _, call := range rs.caps.Calls() {
		hf, ok := hostFuncs[call]
		if !ok {
			continue
		}
		impl := hf.impl
		ty := wasmer.NewFunctionType(wasmer.NewValueTypes(hf.params...), wasmer.NewValueTypes(hf.results...))
		externs[string(call)] = wasmer.NewFunction(store, ty, func(args []wasmer.Value) ([]wasmer.Value, error) {
			return impl(rs, args)
		})
	}
	imports := wasmer.NewImportObject()
	imports.Register(HostNamespace, externs)
	return imports
}
