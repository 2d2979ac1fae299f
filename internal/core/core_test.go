package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlake3Hasher_Deterministic(t *testing.T) {
	h := NewBlake3Hasher()
	a := h.Sum([]byte("source"), []byte("opts"))
	b := h.Sum([]byte("source"), []byte("opts"))
	assert.Equal(t, a, b)

	// Length prefixes keep part boundaries significant.
	assert.NotEqual(t, h.Sum([]byte("ab"), []byte("c")), h.Sum([]byte("a"), []byte("bc")))
}

func TestDigest_ParseRoundTrip(t *testing.T) {
	d := NewBlake3Hasher().Sum([]byte("x"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
	assert.Len(t, d.Short(), 8)

	_, err = ParseDigest("abcd")
	assert.Error(t, err)
	_, err = ParseDigest("zz")
	assert.Error(t, err)
}

func TestDigest_CID(t *testing.T) {
	d := NewBlake3Hasher().Sum([]byte("x"))
	c, err := d.CID()
	require.NoError(t, err)
	assert.True(t, c.Defined())

	again, err := d.CID()
	require.NoError(t, err)
	assert.True(t, c.Equals(again))
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := MemoryError(10, 5)
	assert.True(t, errors.Is(err, ErrMemory))
	assert.False(t, errors.Is(err, ErrNotFound))

	wrapped := fmt.Errorf("execute: %w", err)
	assert.True(t, errors.Is(wrapped, ErrMemory))
	assert.Equal(t, ErrCodeMemory, Code(wrapped))
	assert.Equal(t, "", Code(errors.New("plain")))
}

func TestParseCapabilities_IgnoresUnknown(t *testing.T) {
	set := ParseCapabilities([]string{"io", "teleport", " timers ", "heavyMath"})
	assert.Equal(t, []string{"heavyMath", "io", "timers"}, set.Names())
	assert.False(t, set.Has("teleport"))
	assert.False(t, set.Has(CapNet))
}

func TestOptions_Normalized(t *testing.T) {
	assert.Equal(t, Options{OptLevel: 0, Target: TargetWasm32}, Options{}.Normalized())
	assert.Equal(t, Options{OptLevel: 2, Target: TargetWasm32}, Options{OptLevel: 2, Target: " WASM32 "}.Normalized())
	assert.Equal(t, 9, Options{OptLevel: 9}.Normalized().OptLevel, "levels are not clamped")
	assert.True(t, Options{OptLevel: OptSearch}.KnownOptLevel())
	assert.False(t, Options{OptLevel: 9}.KnownOptLevel())
	assert.False(t, Options{OptLevel: -3}.KnownOptLevel())
}

func TestExecutionResult_Err(t *testing.T) {
	assert.NoError(t, ExecutionResult{Outcome: Success()}.Err())
	assert.True(t, errors.Is(ExecutionResult{Outcome: Timeout()}.Err(), ErrTimeout))
	assert.True(t, errors.Is(ExecutionResult{Outcome: Failure("boom")}.Err(), ErrFailure))
}

func TestKeyProvider_Modes(t *testing.T) {
	t.Run("ephemeral keys differ", func(t *testing.T) {
		p, err := NewKeyProvider(KeyConfig{Mode: KeyModeEphemeral})
		require.NoError(t, err)
		a, err := p.Identity()
		require.NoError(t, err)
		b, err := p.Identity()
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("persist generates once then reloads", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys", "node.key")
		p, err := NewKeyProvider(KeyConfig{Mode: KeyModePersist, Path: path})
		require.NoError(t, err)
		first, err := p.Identity()
		require.NoError(t, err)
		second, err := p.Identity()
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("provided uses the given key", func(t *testing.T) {
		ident, err := GenerateIdentity()
		require.NoError(t, err)
		p, err := NewKeyProvider(KeyConfig{Mode: KeyModeProvided, Provided: ident.PrivKey})
		require.NoError(t, err)
		got, err := p.Identity()
		require.NoError(t, err)
		assert.Equal(t, ident.ID, got.ID)
	})

	t.Run("provided path must exist", func(t *testing.T) {
		p, err := NewKeyProvider(KeyConfig{Mode: KeyModeProvided, Path: filepath.Join(t.TempDir(), "missing")})
		require.NoError(t, err)
		_, err = p.Identity()
		assert.Error(t, err)
	})

	t.Run("unknown mode is a config error", func(t *testing.T) {
		_, err := NewKeyProvider(KeyConfig{Mode: "hsm"})
		assert.True(t, errors.Is(err, ErrConfig))
	})
}
