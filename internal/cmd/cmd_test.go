package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/wasm"
)

// Guests run in child processes of the test binary.
func TestMain(m *testing.M) {
	if wasm.IsGuestProcess() {
		os.Exit(wasm.GuestMain())
	}
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	rootCmd.SetArgs(nil)
	return out.String(), err
}

const addOneWAT = `(module
  (func (export "main") (param i64) (result i64)
    local.get 0
    (i64.add (i64.const 0) (i64.const 1))
    i64.add))`

func TestCompileThenRun(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "add.wat")
	db := filepath.Join(dir, "artifacts.db")
	require.NoError(t, os.WriteFile(src, []byte(addOneWAT), 0o600))

	out, err := execute(t, "compile", src, "--store", db, "--log-level", "error")
	require.NoError(t, err)
	var compiled compileOutput
	require.NoError(t, json.Unmarshal([]byte(out), &compiled))
	assert.Len(t, compiled.Hash, 64)
	assert.Positive(t, compiled.SizeBytes)

	out, err = execute(t, "run", compiled.Hash, "--input", "41", "--store", db, "--log-level", "error")
	require.NoError(t, err)
	var ran runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &ran))
	assert.Equal(t, "success", ran.Outcome)
	assert.Equal(t, []int64{42}, ran.Output)
	assert.NotEmpty(t, ran.JobID)

	out, err = execute(t, "run", compiled.Hash, "--input", "1", "--store", db, "--log-level", "error", "--isolation", "inprocess")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &ran))
	assert.Equal(t, []int64{2}, ran.Output)
}

func TestRun_UnknownHash(t *testing.T) {
	hash := core.NewBlake3Hasher().Sum([]byte("nothing")).String()
	_, err := execute(t, "run", hash, "--store", filepath.Join(t.TempDir(), "a.db"), "--log-level", "error")
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
}

func TestKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	out, err := execute(t, "keygen", path)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.NotEmpty(t, id)

	priv, err := core.LoadPrivateKey(path)
	require.NoError(t, err)
	ident, err := core.NewIdentity(priv)
	require.NoError(t, err)
	assert.Equal(t, id, ident.ID.String())

	_, err = execute(t, "keygen", path)
	assert.Error(t, err, "existing key is not overwritten")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{core.CompileError("bad", nil), 2},
		{core.NotFoundError(core.Digest{}), 3},
		{core.MemoryError(10, 5), 4},
		{core.NewError(core.ErrCodeTimeout, "slow"), 5},
		{core.NewError(core.ErrCodeFailure, "trap"), 6},
		{core.ConfigError("budget"), 78},
		{errors.New("other"), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err))
	}
}
