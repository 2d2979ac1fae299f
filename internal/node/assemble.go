package node

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/arena"
	"github.com/nmxmxh/swarmjit/internal/compiler"
	"github.com/nmxmxh/swarmjit/internal/config"
	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/network"
	"github.com/nmxmxh/swarmjit/internal/reclaim"
	"github.com/nmxmxh/swarmjit/internal/scheduler"
	"github.com/nmxmxh/swarmjit/internal/store"
	"github.com/nmxmxh/swarmjit/internal/swarm"
	"github.com/nmxmxh/swarmjit/wasm"
)

// Runtime is a fully wired node and the components behind it.
type Runtime struct {
	Identity  *core.Identity
	Node      *Node
	Cache     *compiler.Cache
	Directory *swarm.Directory
	Executor  *wasm.Executor
	Pool      *arena.Pool
	Policy    *reclaim.Policy
	Store     store.Store
	Host      *network.Host
	Router    *network.DHTRouter

	closers []func() error
}

// Assemble builds every component from cfg. With online set it starts a
// libp2p host and DHT, serves peer requests and dials the bootstrap peers;
// otherwise the node works from its local store only.
func Assemble(ctx context.Context, cfg config.Config, logger *zap.Logger, online bool) (rt *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	keys, err := core.NewKeyProvider(core.KeyConfig{Mode: cfg.Node.KeyMode, Path: cfg.Node.KeyPath})
	if err != nil {
		return nil, err
	}
	if rt.Identity, err = keys.Identity(); err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}

	if cfg.Store.Path != "" {
		s, err := store.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		rt.Store = s
	} else {
		rt.Store = store.NewMemory()
	}
	rt.closers = append(rt.closers, rt.Store.Close)

	if rt.Pool, err = arena.NewPool(cfg.Memory.BudgetBytes); err != nil {
		return nil, err
	}
	rt.Policy = reclaim.NewPolicy(rt.Pool, reclaim.Config{Threshold: cfg.Reclaim.Threshold, Logger: logger})
	rt.closers = append(rt.closers, func() error { rt.Policy.Close(); return nil })

	gen := wasm.NewWATGenerator()
	if rt.Cache, err = compiler.NewCache(compiler.Config{
		Generator:        gen,
		Logger:           logger,
		MaxSourceBytes:   cfg.Compiler.MaxSourceBytes,
		SearchIterations: cfg.Compiler.SearchIterations,
	}); err != nil {
		return nil, err
	}
	sandbox, err := newSandbox(cfg.Exec)
	if err != nil {
		return nil, err
	}
	if rt.Executor, err = wasm.NewExecutor(wasm.Config{
		Pool:               rt.Pool,
		Policy:             rt.Policy,
		Host:               wasm.NewLocalHost(cfg.Exec.HostDir, cfg.Exec.Timeout),
		Timeout:            cfg.Exec.Timeout,
		Entry:              cfg.Exec.Entry,
		DefaultMemoryBytes: cfg.Memory.DefaultBytes,
		Sandbox:            sandbox,
		MaxStalled:         cfg.Exec.MaxStalled,
		Logger:             logger,
	}); err != nil {
		return nil, err
	}

	dirCfg := swarm.Config{
		Self:        rt.Identity.ID,
		Store:       rt.Store,
		Verifier:    gen,
		Profile:     core.DetectProfile(cfg.Node.GPU),
		MaxAttempts:  cfg.Fetch.MaxAttempts,
		FetchTimeout: cfg.Fetch.Timeout,
		Logger:       logger,
	}
	if online {
		if err := rt.startHost(ctx, cfg, logger); err != nil {
			return nil, err
		}
		dirCfg.Dialer = rt.Host
		dirCfg.Router = rt.Router
	}
	if rt.Directory, err = swarm.NewDirectory(ctx, dirCfg); err != nil {
		return nil, err
	}

	if rt.Node, err = New(Config{
		Compiler:          rt.Cache,
		Directory:         rt.Directory,
		Executor:          rt.Executor,
		Reclaimer:         rt.Policy,
		Scheduler:         scheduler.New(),
		Workers:           cfg.Exec.Workers,
		SweepInterval:     cfg.Reclaim.SweepInterval,
		RequestsPerSecond: cfg.Rate.RequestsPerSecond,
		Burst:             cfg.Rate.Burst,
		Logger:            logger,
	}); err != nil {
		return nil, err
	}

	if online {
		rt.Host.AttachCapabilities(rt.Directory)
		rt.Node.Serve(rt.Host)
		if err := rt.join(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *Runtime) startHost(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	relays, err := network.ParseAddrInfos(cfg.Node.Relays)
	if err != nil {
		return err
	}
	h, err := network.New(rt.Identity, network.Config{
		ListenAddrs:   cfg.Node.Listen,
		Relays:        relays,
		RelayService:  cfg.Node.RelayService,
		DirectTimeout: cfg.Node.DirectTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	rt.Host = h
	rt.closers = append(rt.closers, h.Close)

	r, err := network.NewDHTRouter(ctx, h.Libp2p(), cfg.Node.DHTServer, logger)
	if err != nil {
		return err
	}
	rt.Router = r
	// Registered after the host so the DHT closes first.
	rt.closers = append(rt.closers, r.Close)
	return nil
}

func (rt *Runtime) join(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	peers, err := network.ParseAddrInfos(cfg.Node.Bootstrap)
	if err != nil {
		return err
	}
	if len(peers) > 0 {
		connected := rt.Host.Bootstrap(ctx, peers)
		logger.Info("bootstrap", zap.Int("connected", connected), zap.Int("configured", len(peers)))
	}
	if err := rt.Router.Bootstrap(ctx); err != nil {
		logger.Warn("dht bootstrap", zap.Error(err))
	}
	if len(cfg.Node.Relays) > 0 {
		reserved := rt.Host.ReserveRelays(ctx)
		logger.Info("relay reservations", zap.Int("reserved", reserved), zap.Int("configured", len(cfg.Node.Relays)))
	}
	return nil
}

// newSandbox re-executes this binary for each job in process isolation.
func newSandbox(cfg config.ExecConfig) (*wasm.ProcessSandbox, error) {
	if cfg.Isolation != config.IsolationProcess {
		return nil, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, core.WrapError(core.ErrCodeConfig, "exec.isolation: cannot locate own executable", err)
	}
	return &wasm.ProcessSandbox{Path: exe, HostDir: cfg.HostDir, HostTimeout: cfg.Timeout}, nil
}

// Close releases everything in reverse order of construction.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
