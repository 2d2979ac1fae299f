package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/swarmjit/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, core.KeyModeEphemeral, cfg.Node.KeyMode)
	assert.Equal(t, 3*time.Second, cfg.Node.DirectTimeout)
	assert.Equal(t, uint64(256<<20), cfg.Memory.BudgetBytes)
	assert.Equal(t, uint64(1<<20), cfg.Memory.DefaultBytes)
	assert.Equal(t, 5*time.Second, cfg.Exec.Timeout)
	assert.Equal(t, "main", cfg.Exec.Entry)
	assert.Positive(t, cfg.Exec.Workers)
	assert.Equal(t, 32, cfg.Compiler.SearchIterations)
	assert.InDelta(t, 0.7, cfg.Reclaim.Threshold, 1e-9)
	assert.Equal(t, 8, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 20, cfg.Rate.RequestsPerSecond)
	assert.Equal(t, 40, cfg.Rate.Burst)
	assert.Empty(t, cfg.Store.Path)
	assert.False(t, cfg.Node.RelayService)
	assert.Equal(t, IsolationProcess, cfg.Exec.Isolation)
	assert.Equal(t, 2, cfg.Exec.MaxStalled)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
}

func TestLoad_InvalidValuesAreConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"zero budget", "memory.budget_bytes", 0},
		{"negative budget", "memory.budget_bytes", -1},
		{"default over budget", "memory.default_bytes", 512 << 20},
		{"zero timeout", "exec.timeout", "0s"},
		{"empty entry", "exec.entry", ""},
		{"no workers", "exec.workers", 0},
		{"bad log format", "log.format", "xml"},
		{"bad key mode", "node.key_mode", "borrowed"},
		{"no attempts", "fetch.max_attempts", 0},
		{"no fetch timeout", "fetch.timeout", "0s"},
		{"bad isolation", "exec.isolation", "container"},
		{"no stalled guests", "exec.max_stalled", 0},
		{"no rate", "rate.burst", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrConfig))
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmjit.yaml")
	content := `
log:
  level: debug
  format: json
memory:
  budget_bytes: 1048576
  default_bytes: 65536
node:
  bootstrap:
    - /ip4/10.0.0.1/tcp/4001/p2p/12D3KooWAbc
  relay_service: true
exec:
  timeout: 250ms
  isolation: inprocess
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, uint64(1<<20), cfg.Memory.BudgetBytes)
	assert.Equal(t, 250*time.Millisecond, cfg.Exec.Timeout)
	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWAbc"}, cfg.Node.Bootstrap)
	assert.True(t, cfg.Node.RelayService)
	assert.Equal(t, IsolationInProcess, cfg.Exec.Isolation)
}

func TestReadFile_MissingExplicitFile(t *testing.T) {
	v := New()
	assert.Error(t, ReadFile(v, filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SWARMJIT_EXEC_ENTRY", "start")
	t.Setenv("SWARMJIT_MEMORY_BUDGET_BYTES", "0")

	v := New()
	assert.Equal(t, "start", v.GetString("exec.entry"))
	_, err := Load(v)
	assert.True(t, errors.Is(err, core.ErrConfig))
}
