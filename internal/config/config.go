// Package config loads node settings from viper: defaults, a config file,
// SWARMJIT_* environment variables and bound flags.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// EnvPrefix is the environment variable prefix, e.g. SWARMJIT_MEMORY_BUDGET_BYTES.
const EnvPrefix = "SWARMJIT"

// Execution isolation modes.
const (
	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"
)

// Config is the complete node configuration.
type Config struct {
	Log      LogConfig
	Node     NodeConfig
	Store    StoreConfig
	Memory   MemoryConfig
	Exec     ExecConfig
	Compiler CompilerConfig
	Reclaim  ReclaimConfig
	Fetch    FetchConfig
	Rate     RateConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type NodeConfig struct {
	Listen        []string
	Bootstrap     []string
	Relays        []string
	KeyMode       string
	KeyPath       string
	DirectTimeout time.Duration
	DHTServer     bool
	GPU           bool
	// RelayService lets peers behind NAT reserve circuits through this node.
	RelayService bool
}

type StoreConfig struct {
	// Path of the SQLite artifact database. Empty keeps artifacts in memory.
	Path string
}

type MemoryConfig struct {
	BudgetBytes  uint64
	DefaultBytes uint64
}

type ExecConfig struct {
	Timeout time.Duration
	Entry   string
	Workers int
	// HostDir is the directory fs-capable guests may read from. Empty
	// disables fs_read even when granted.
	HostDir string
	// Isolation is "process" (one killable child per job) or "inprocess".
	Isolation string
	// MaxStalled caps in-process guests that outlived their deadline.
	MaxStalled int
}

type CompilerConfig struct {
	SearchIterations int
	MaxSourceBytes   int
}

type ReclaimConfig struct {
	Threshold     float64
	SweepInterval time.Duration
}

type FetchConfig struct {
	MaxAttempts int
	Timeout     time.Duration
}

type RateConfig struct {
	RequestsPerSecond int
	Burst             int
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("node.listen", []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/udp/4001/quic-v1"})
	v.SetDefault("node.bootstrap", []string{})
	v.SetDefault("node.relays", []string{})
	v.SetDefault("node.key_mode", core.KeyModeEphemeral)
	v.SetDefault("node.key_path", "")
	v.SetDefault("node.direct_timeout", "3s")
	v.SetDefault("node.dht_server", false)
	v.SetDefault("node.gpu", false)
	v.SetDefault("node.relay_service", false)

	v.SetDefault("store.path", "")

	v.SetDefault("memory.budget_bytes", 256<<20)
	v.SetDefault("memory.default_bytes", 1<<20)

	v.SetDefault("exec.timeout", "5s")
	v.SetDefault("exec.entry", "main")
	v.SetDefault("exec.workers", runtime.NumCPU())
	v.SetDefault("exec.host_dir", "")
	v.SetDefault("exec.isolation", IsolationProcess)
	v.SetDefault("exec.max_stalled", 2)

	v.SetDefault("compiler.search_iterations", 32)
	v.SetDefault("compiler.max_source_bytes", 1<<20)

	v.SetDefault("reclaim.threshold", 0.7)
	v.SetDefault("reclaim.sweep_interval", "30s")

	v.SetDefault("fetch.max_attempts", 8)
	v.SetDefault("fetch.timeout", "30s")

	v.SetDefault("rate.requests_per_second", 20)
	v.SetDefault("rate.burst", 40)
}

// New returns a viper instance with defaults, config file search paths and
// environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigName("swarmjit")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/swarmjit")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads an explicit config file, or searches the default paths when
// path is empty. A missing file in the default paths is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load reads and validates the configuration. Invalid values are
// CONFIG_ERRORs, which are fatal at startup.
func Load(v *viper.Viper) (Config, error) {
	budget := v.GetInt64("memory.budget_bytes")
	if budget <= 0 {
		return Config{}, core.ConfigError("memory.budget_bytes must be positive").WithContext("value", budget)
	}
	defaultBytes := v.GetInt64("memory.default_bytes")
	if defaultBytes <= 0 {
		return Config{}, core.ConfigError("memory.default_bytes must be positive").WithContext("value", defaultBytes)
	}

	cfg := Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Node: NodeConfig{
			Listen:        v.GetStringSlice("node.listen"),
			Bootstrap:     v.GetStringSlice("node.bootstrap"),
			Relays:        v.GetStringSlice("node.relays"),
			KeyMode:       v.GetString("node.key_mode"),
			KeyPath:       v.GetString("node.key_path"),
			DirectTimeout: v.GetDuration("node.direct_timeout"),
			DHTServer:     v.GetBool("node.dht_server"),
			GPU:           v.GetBool("node.gpu"),
			RelayService:  v.GetBool("node.relay_service"),
		},
		Store: StoreConfig{Path: v.GetString("store.path")},
		Memory: MemoryConfig{
			BudgetBytes:  uint64(budget),
			DefaultBytes: uint64(defaultBytes),
		},
		Exec: ExecConfig{
			Timeout:    v.GetDuration("exec.timeout"),
			Entry:      v.GetString("exec.entry"),
			Workers:    v.GetInt("exec.workers"),
			HostDir:    v.GetString("exec.host_dir"),
			Isolation:  v.GetString("exec.isolation"),
			MaxStalled: v.GetInt("exec.max_stalled"),
		},
		Compiler: CompilerConfig{
			SearchIterations: v.GetInt("compiler.search_iterations"),
			MaxSourceBytes:   v.GetInt("compiler.max_source_bytes"),
		},
		Reclaim: ReclaimConfig{
			Threshold:     v.GetFloat64("reclaim.threshold"),
			SweepInterval: v.GetDuration("reclaim.sweep_interval"),
		},
		Fetch: FetchConfig{
			MaxAttempts: v.GetInt("fetch.max_attempts"),
			Timeout:     v.GetDuration("fetch.timeout"),
		},
		Rate: RateConfig{
			RequestsPerSecond: v.GetInt("rate.requests_per_second"),
			Burst:             v.GetInt("rate.burst"),
		},
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return core.ConfigError(fmt.Sprintf("log.format must be console or json, got %q", c.Log.Format))
	}
	switch c.Node.KeyMode {
	case core.KeyModeEphemeral, core.KeyModePersist, core.KeyModeProvided:
	default:
		return core.ConfigError(fmt.Sprintf("unknown node.key_mode %q", c.Node.KeyMode))
	}
	if c.Memory.DefaultBytes > c.Memory.BudgetBytes {
		return core.ConfigError("memory.default_bytes exceeds memory.budget_bytes")
	}
	if c.Exec.Timeout <= 0 {
		return core.ConfigError("exec.timeout must be positive")
	}
	if c.Exec.Entry == "" {
		return core.ConfigError("exec.entry is required")
	}
	if c.Exec.Workers <= 0 {
		return core.ConfigError("exec.workers must be positive")
	}
	switch c.Exec.Isolation {
	case IsolationProcess, IsolationInProcess:
	default:
		return core.ConfigError(fmt.Sprintf("exec.isolation must be %s or %s, got %q", IsolationProcess, IsolationInProcess, c.Exec.Isolation))
	}
	if c.Exec.MaxStalled <= 0 {
		return core.ConfigError("exec.max_stalled must be positive")
	}
	if c.Reclaim.Threshold < 0 {
		return core.ConfigError("reclaim.threshold must not be negative")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return core.ConfigError("fetch.max_attempts must be positive")
	}
	if c.Fetch.Timeout <= 0 {
		return core.ConfigError("fetch.timeout must be positive")
	}
	if c.Rate.RequestsPerSecond <= 0 || c.Rate.Burst <= 0 {
		return core.ConfigError("rate limits must be positive")
	}
	return nil
}
