// Package node ties the compiler, swarm directory, scheduler and executor
// into one running node and serves their operations to peers.
package node

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/scheduler"
)

const (
	DefaultSweepInterval     = 30 * time.Second
	DefaultRequestsPerSecond = 20
	DefaultBurst             = 40
)

// Compiler turns source into a published-ready artifact.
type Compiler interface {
	Compile(ctx context.Context, source []byte, opts core.Options) (*core.Artifact, error)
}

// Directory stores, advertises and locates artifacts.
type Directory interface {
	Publish(ctx context.Context, art *core.Artifact) (core.Digest, error)
	FetchArtifact(ctx context.Context, hash core.Digest) (*core.Artifact, error)
	Local(ctx context.Context, hash core.Digest) ([]byte, error)
}

// Executor runs one job.
type Executor interface {
	Run(ctx context.Context, job core.ExecutionJob, art *core.Artifact) (core.ExecutionResult, error)
}

// Reclaimer drops idle instances whose fitness has decayed.
type Reclaimer interface {
	Sweep(now time.Time) int
}

// Config wires a Node. Compiler, Directory and Executor are required.
type Config struct {
	Compiler  Compiler
	Directory Directory
	Executor  Executor
	Reclaimer Reclaimer
	Scheduler *scheduler.Scheduler

	Workers           int
	SweepInterval     time.Duration
	RequestsPerSecond int
	Burst             int
	Logger            *zap.Logger
}

type pending struct {
	ctx    context.Context
	art    *core.Artifact
	result chan outcome
}

type outcome struct {
	res core.ExecutionResult
	err error
}

// Node is one participant in the swarm.
type Node struct {
	cfg     Config
	logger  *zap.Logger
	sched   *scheduler.Scheduler
	slots   chan struct{}
	freed   chan struct{}
	limiter *limiter.TokenBucket

	mu      sync.Mutex
	pending map[string]*pending
	wg      sync.WaitGroup
}

// New validates cfg and builds a node. Call Run to start dispatching.
func New(cfg Config) (*Node, error) {
	if cfg.Compiler == nil || cfg.Directory == nil || cfg.Executor == nil {
		return nil, core.ConfigError("node requires a compiler, a directory and an executor")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(cfg.RequestsPerSecond),
			Duration: time.Second,
			Burst:    int64(cfg.Burst),
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	return &Node{
		cfg:     cfg,
		logger:  cfg.Logger.Named("node"),
		sched:   cfg.Scheduler,
		slots:   make(chan struct{}, cfg.Workers),
		freed:   make(chan struct{}, 1),
		limiter: tb,
		pending: make(map[string]*pending),
	}, nil
}

// Publish compiles source and publishes the artifact to the swarm.
func (n *Node) Publish(ctx context.Context, source []byte, opts core.Options) (*core.Artifact, error) {
	art, err := n.cfg.Compiler.Compile(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	if _, err := n.cfg.Directory.Publish(ctx, art); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	n.logger.Info("published",
		zap.String("hash", art.Hash.Short()),
		zap.Int("bytes", art.SizeBytes),
		zap.Int("opt_level", art.Options.OptLevel))
	return art, nil
}

// Submit fetches the artifact, queues a job for it and waits for the result.
// Run must be active for the job to be dispatched.
func (n *Node) Submit(ctx context.Context, hash core.Digest, input []int64, caps core.CapabilitySet, priority int) (core.ExecutionResult, error) {
	art, err := n.cfg.Directory.FetchArtifact(ctx, hash)
	if err != nil {
		return core.ExecutionResult{}, err
	}

	p := &pending{ctx: ctx, art: art, result: make(chan outcome, 1)}
	job := core.ExecutionJob{
		ArtifactHash: hash,
		Input:        input,
		Capabilities: caps,
		Priority:     priority,
	}
	// The pending entry must exist before the job becomes visible to Run.
	n.mu.Lock()
	id := n.sched.AddJob(job)
	n.pending[id] = p
	n.mu.Unlock()

	select {
	case o := <-p.result:
		return o.res, o.err
	case <-ctx.Done():
		n.mu.Lock()
		n.sched.Remove(id)
		delete(n.pending, id)
		n.mu.Unlock()
		return core.ExecutionResult{JobID: id}, ctx.Err()
	}
}

// Run dispatches queued jobs to worker slots and sweeps idle instances until
// ctx is done. In-flight jobs are waited for before it returns.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	n.logger.Info("node running", zap.Int("workers", cap(n.slots)))

	n.dispatch()
	for {
		select {
		case <-ctx.Done():
			n.wg.Wait()
			return ctx.Err()
		case <-n.sched.Notify():
			n.dispatch()
		case <-n.freed:
			n.dispatch()
		case now := <-ticker.C:
			if n.cfg.Reclaimer != nil {
				if evicted := n.cfg.Reclaimer.Sweep(now); evicted > 0 {
					n.logger.Debug("reclaimed idle instances", zap.Int("evicted", evicted))
				}
			}
		}
	}
}

// dispatch starts queued jobs while worker slots are free.
func (n *Node) dispatch() {
	for {
		select {
		case n.slots <- struct{}{}:
		default:
			return
		}
		n.mu.Lock()
		job, ok := n.sched.GetNext()
		var p *pending
		if ok {
			p = n.pending[job.ID]
			delete(n.pending, job.ID)
		}
		n.mu.Unlock()
		if !ok {
			<-n.slots
			return
		}
		if p == nil {
			<-n.slots
			continue
		}
		n.wg.Add(1)
		go n.work(job, p)
	}
}

func (n *Node) work(job core.ExecutionJob, p *pending) {
	defer func() {
		<-n.slots
		n.wg.Done()
		select {
		case n.freed <- struct{}{}:
		default:
		}
	}()

	res, err := n.cfg.Executor.Run(p.ctx, job, p.art)
	n.logger.Debug("job finished",
		zap.String("job", job.ID),
		zap.String("hash", job.ArtifactHash.Short()),
		zap.Stringer("outcome", res.Outcome.Kind),
		zap.Duration("duration", res.Duration),
		zap.Error(err))
	p.result <- outcome{res: res, err: err}
}

// Queued returns the number of jobs waiting for a worker.
func (n *Node) Queued() int {
	return n.sched.Len()
}

// allow applies the per-peer inbound rate limit.
func (n *Node) allow(peerID string) bool {
	return n.limiter.Allow(peerID)
}
