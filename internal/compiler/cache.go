// Package compiler turns source text into content-addressed artifacts and
// guarantees that each distinct (source, options) pair is compiled at most
// once, even under concurrent requests.
package compiler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nmxmxh/swarmjit/internal/compiler/ir"
	"github.com/nmxmxh/swarmjit/internal/compiler/optimize"
	"github.com/nmxmxh/swarmjit/internal/core"
)

// MaxSourceBytes is the default limit on submitted source size.
const MaxSourceBytes = 1 << 20

// CodeGenerator is the pluggable backend: it lowers source to IR, prints IR
// to bytes, and inspects bytes. Inspect must fail on anything the runtime
// would refuse to load.
type CodeGenerator interface {
	Generate(source []byte, opts core.Options) (*ir.Module, error)
	Emit(m *ir.Module) ([]byte, error)
	Inspect(wasm []byte) (core.ModuleInfo, error)
}

// Config configures a Cache. Zero values take defaults.
type Config struct {
	Generator        CodeGenerator
	Hasher           core.Hasher
	Logger           *zap.Logger
	MaxSourceBytes   int
	SearchIterations int
}

// CacheStats are cumulative counters.
type CacheStats struct {
	Hits     uint64
	Misses   uint64
	Compiles uint64
	Joins    uint64
	Failures uint64
	Entries  int
}

// Cache is the content-addressed compiler cache. Entries are only ever
// added; readers never block each other.
type Cache struct {
	gen        CodeGenerator
	hasher     core.Hasher
	logger     *zap.Logger
	encMode    cbor.EncMode
	maxSource  int
	iterations int

	mu        sync.RWMutex
	artifacts map[core.Digest]*core.Artifact
	flights   singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	compiles atomic.Uint64
	joins    atomic.Uint64
	failures atomic.Uint64
}

// NewCache creates a cache. A generator is required.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Generator == nil {
		return nil, core.ConfigError("compiler: code generator is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = core.NewBlake3Hasher()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = MaxSourceBytes
	}
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("compiler: cbor mode: %w", err)
	}
	return &Cache{
		gen:        cfg.Generator,
		hasher:     cfg.Hasher,
		logger:     cfg.Logger.Named("compiler"),
		encMode:    em,
		maxSource:  cfg.MaxSourceBytes,
		iterations: cfg.SearchIterations,
		artifacts:  make(map[core.Digest]*core.Artifact),
	}, nil
}

// Key derives the artifact hash for source and opts without compiling.
func (c *Cache) Key(source []byte, opts core.Options) (core.Digest, error) {
	encoded, err := c.encMode.Marshal(opts.Normalized())
	if err != nil {
		return core.Digest{}, fmt.Errorf("compiler: encode options: %w", err)
	}
	return c.hasher.Sum(Normalize(source), encoded), nil
}

// Compile returns the artifact for source and opts, compiling it only if no
// equal request has completed or is in flight. Concurrent callers for the
// same key share one compilation and receive the same *Artifact or error.
// Failures are not cached.
func (c *Cache) Compile(ctx context.Context, source []byte, opts core.Options) (*core.Artifact, error) {
	opts = opts.Normalized()
	if !opts.KnownOptLevel() {
		return nil, core.CompileError(fmt.Sprintf("unknown optimization level %d", opts.OptLevel), nil)
	}
	if len(source) > c.maxSource {
		return nil, core.CompileError(fmt.Sprintf("source is %d bytes, limit is %d", len(source), c.maxSource), nil)
	}
	key, err := c.Key(source, opts)
	if err != nil {
		return nil, err
	}
	if a, ok := c.Lookup(key); ok {
		c.hits.Add(1)
		return a, nil
	}
	c.misses.Add(1)

	leader := false
	v, err, shared := c.flights.Do(key.String(), func() (interface{}, error) {
		leader = true
		// A flight for this key may have finished between Lookup and Do.
		if a, ok := c.Lookup(key); ok {
			return a, nil
		}
		// Joiners must not fail because the leader's caller went away.
		return c.build(context.WithoutCancel(ctx), key, source, opts)
	})
	if shared && !leader {
		c.joins.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.(*core.Artifact), nil
}

func (c *Cache) build(ctx context.Context, key core.Digest, source []byte, opts core.Options) (*core.Artifact, error) {
	c.compiles.Add(1)
	logger := c.logger.With(zap.String("hash", key.Short()), zap.Int("opt_level", opts.OptLevel))

	art, err := c.generate(ctx, key, source, opts)
	if err != nil {
		c.failures.Add(1)
		logger.Debug("compile failed", zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.artifacts[key]; ok {
		art = existing
	} else {
		c.artifacts[key] = art
	}
	c.mu.Unlock()

	logger.Info("compiled artifact", zap.Int("size_bytes", art.SizeBytes), zap.Strings("exports", art.Exports))
	return art, nil
}

func (c *Cache) generate(ctx context.Context, key core.Digest, source []byte, opts core.Options) (*core.Artifact, error) {
	m, err := c.gen.Generate(Normalize(source), opts)
	if err != nil {
		return nil, asCompileError("generate", err)
	}
	strategy, err := optimize.ForLevel(opts.OptLevel)
	if err != nil {
		return nil, core.CompileError("unsupported optimization level", err)
	}
	optimized, err := strategy.Optimize(ctx, m, optimize.Env{
		Seed:       optimize.SeedFromDigest(key),
		Measure:    c.measure,
		Iterations: c.iterations,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, core.CompileError("optimize "+strategy.Name(), err)
	}
	wasm, err := c.gen.Emit(optimized)
	if err != nil {
		return nil, asCompileError("emit", err)
	}
	info, err := c.gen.Inspect(wasm)
	if err != nil {
		return nil, asCompileError("validate", err)
	}
	return core.NewArtifact(key, wasm, opts, info), nil
}

func (c *Cache) measure(m *ir.Module) (optimize.Fitness, error) {
	wasm, err := c.gen.Emit(m)
	if err != nil {
		return optimize.Fitness{}, err
	}
	info, err := c.gen.Inspect(wasm)
	if err != nil {
		return optimize.Fitness{}, err
	}
	return optimize.Fitness{Exports: len(info.Exports), Bytes: len(wasm)}, nil
}

func asCompileError(stage string, err error) error {
	if core.Code(err) == core.ErrCodeCompile {
		return err
	}
	return core.CompileError(stage, err)
}

// Lookup returns a compiled artifact by hash.
func (c *Cache) Lookup(hash core.Digest) (*core.Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[hash]
	return a, ok
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.artifacts)
	c.mu.RUnlock()
	return CacheStats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Compiles: c.compiles.Load(),
		Joins:    c.joins.Load(),
		Failures: c.failures.Load(),
		Entries:  entries,
	}
}
