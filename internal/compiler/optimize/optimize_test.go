package optimize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/swarmjit/internal/compiler/ir"
	"github.com/nmxmxh/swarmjit/internal/core"
)

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := ir.Parse(src)
	require.NoError(t, err)
	return m
}

func baselineOf(t *testing.T, src string) string {
	t.Helper()
	out, err := Baseline{}.Optimize(context.Background(), parse(t, src), Env{})
	require.NoError(t, err)
	return ir.Print(out)
}

// textMeasure stands in for emit+validate: size is the printed length.
func textMeasure(m *ir.Module) (Fitness, error) {
	return Fitness{Exports: len(m.Exports()), Bytes: len(ir.Print(m))}, nil
}

func TestBaseline_FoldsNestedConstants(t *testing.T) {
	out := baselineOf(t, `(module
	  (func $f (export "f") (result i32)
	    (i32.add (i32.const 2) (i32.mul (i32.const 3) (i32.const 4)))))`)
	assert.Contains(t, out, "(i32.const 14)")
	assert.NotContains(t, out, "i32.mul")
	assert.NotContains(t, out, "i32.add")
}

func TestBaseline_FoldWrapsLikeTheMachine(t *testing.T) {
	out := baselineOf(t, `(module
	  (func (export "a") (result i32) (i32.add (i32.const 2147483647) (i32.const 1)))
	  (func (export "b") (result i64) (i64.sub (i64.const 0) (i64.const 0x10))))`)
	assert.Contains(t, out, "(i32.const -2147483648)")
	assert.Contains(t, out, "(i64.const -16)")
}

func TestBaseline_LeavesMixedTypesAlone(t *testing.T) {
	out := baselineOf(t, `(module
	  (func (export "a") (result i32) (i32.add (i32.const 1) (i64.const 1))))`)
	assert.Contains(t, out, "i32.add")
}

func TestBaseline_InlinesTrivialAndDropsIt(t *testing.T) {
	out := baselineOf(t, `(module
	  (func $seven (result i32) (i32.const 7))
	  (func $main (export "main") (result i32)
	    (i32.add (call $seven) (i32.const 1))))`)
	assert.Contains(t, out, "(i32.const 8)")
	assert.NotContains(t, out, "$seven")
}

func TestBaseline_KeepsExportedAndReferenced(t *testing.T) {
	out := baselineOf(t, `(module
	  (import "env" "pow" (func $pow (param i64 i64) (result i64)))
	  (import "env" "abs" (func $abs (param i64) (result i64)))
	  (func $helper (param $x i64) (result i64) (call $abs (local.get $x)))
	  (func $unused (result i64) (i64.const 1) (drop) (i64.const 2))
	  (func $main (export "main") (param $x i64) (result i64) (call $helper (local.get $x))))`)
	assert.Contains(t, out, "$helper")
	assert.Contains(t, out, `"abs"`)
	assert.NotContains(t, out, "$unused")
	assert.NotContains(t, out, `"pow"`, "unreferenced import is dropped")
}

func TestBaseline_SkipsDCEWithIndexReferences(t *testing.T) {
	out := baselineOf(t, `(module
	  (func $a (result i32) (i32.const 1) (drop) (i32.const 2))
	  (func $b (result i32) (i32.const 3) (drop) (i32.const 4))
	  (func (export "main") (result i32) (call 1)))`)
	assert.Contains(t, out, "$a")
	assert.Contains(t, out, "$b")
}

func TestBaseline_RemovesNops(t *testing.T) {
	out := baselineOf(t, `(module
	  (func (export "main") (result i32) nop (nop) (block nop) (i32.const 1)))`)
	assert.NotContains(t, out, "nop")
	assert.Contains(t, out, "(block)")
}

func TestBaseline_InputUntouched(t *testing.T) {
	m := parse(t, `(module (func (export "f") (result i32) (i32.add (i32.const 1) (i32.const 1))))`)
	before := ir.Print(m)
	_, err := Baseline{}.Optimize(context.Background(), m, Env{})
	require.NoError(t, err)
	assert.Equal(t, before, ir.Print(m))
}

const searchSource = `(module
  (func $main (export "main") (param $x i64) (param $unused i64) (result i64)
    (local $scratch i64)
    (local.get $x)))`

func TestSearch_DeterministicForSeed(t *testing.T) {
	env := Env{Seed: 99, Measure: textMeasure}
	a, err := Search{}.Optimize(context.Background(), parse(t, searchSource), env)
	require.NoError(t, err)
	b, err := Search{}.Optimize(context.Background(), parse(t, searchSource), env)
	require.NoError(t, err)
	assert.Equal(t, ir.Print(a), ir.Print(b))
}

func TestSearch_NeverWorseThanBaseline(t *testing.T) {
	base, err := Baseline{}.Optimize(context.Background(), parse(t, searchSource), Env{})
	require.NoError(t, err)
	baseFit, _ := textMeasure(base)

	for seed := int64(0); seed < 8; seed++ {
		out, err := Search{}.Optimize(context.Background(), parse(t, searchSource), Env{Seed: seed, Measure: textMeasure, Iterations: 64})
		require.NoError(t, err)
		fit, _ := textMeasure(out)
		assert.False(t, baseFit.Better(fit), "seed %d", seed)
		assert.Equal(t, []string{"main"}, out.Exports())
		assert.Contains(t, ir.Print(out), "$x", "referenced names survive")
	}
}

func TestSearch_StripsUnusedNames(t *testing.T) {
	out, err := Search{}.Optimize(context.Background(), parse(t, searchSource), Env{Seed: 1, Measure: textMeasure, Iterations: 200})
	require.NoError(t, err)
	printed := ir.Print(out)
	// Only strip-names has sites here; 200 draws pick it many times.
	assert.NotContains(t, printed, "$unused")
	assert.NotContains(t, printed, "$scratch")
}

func TestSearch_RejectsCandidatesThatFailToMeasure(t *testing.T) {
	calls := 0
	measure := func(m *ir.Module) (Fitness, error) {
		calls++
		if calls == 1 {
			return textMeasure(m)
		}
		return Fitness{}, errors.New("does not validate")
	}
	base, err := Baseline{}.Optimize(context.Background(), parse(t, searchSource), Env{})
	require.NoError(t, err)
	out, err := Search{}.Optimize(context.Background(), parse(t, searchSource), Env{Seed: 3, Measure: measure})
	require.NoError(t, err)
	assert.True(t, base.Equal(out))
}

func TestSearch_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Search{}.Optimize(ctx, parse(t, searchSource), Env{Measure: textMeasure})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForLevel(t *testing.T) {
	for level, name := range map[int]string{core.OptNone: "none", core.OptBaseline: "baseline", core.OptSearch: "search"} {
		s, err := ForLevel(level)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
	_, err := ForLevel(7)
	assert.Error(t, err)
}

func TestFitness_Better(t *testing.T) {
	assert.True(t, Fitness{Exports: 2, Bytes: 900}.Better(Fitness{Exports: 1, Bytes: 10}))
	assert.True(t, Fitness{Exports: 1, Bytes: 9}.Better(Fitness{Exports: 1, Bytes: 10}))
	assert.False(t, Fitness{Exports: 1, Bytes: 10}.Better(Fitness{Exports: 1, Bytes: 10}))
}

func TestSeedFromDigest_Stable(t *testing.T) {
	d := core.NewBlake3Hasher().Sum([]byte("k"))
	assert.Equal(t, SeedFromDigest(d), SeedFromDigest(d))
	assert.NotEqual(t, SeedFromDigest(d), SeedFromDigest(core.NewBlake3Hasher().Sum([]byte("j"))))
}
